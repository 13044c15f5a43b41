// meshsync is an interactive control surface for a single synced
// document: it starts a SyncEngine against a chosen Conduit and
// Persistence backend, prints a status line whenever a local or remote
// change lands, and accepts interactive get/set/delete/undo/redo
// commands on stdin.
//
// Usage:
//
//	meshsync -doc notes -self node-a -sync memory -initial '{}'
//	meshsync -doc notes -self node-a -sync ws -listen :8090 -peer node-b=http://10.0.0.2:8090/sync
//	meshsync -doc notes -self node-a -persist kv -kv-path notes.db -passphrase-prompt
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/atvirokodosprendimai/meshsync/pkg/conduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/conduit/wsconduit"
	"github.com/atvirokodosprendimai/meshsync/pkg/docsecret"
	"github.com/atvirokodosprendimai/meshsync/pkg/otelsync"
	"github.com/atvirokodosprendimai/meshsync/pkg/persistence"
	"github.com/atvirokodosprendimai/meshsync/pkg/persistence/docstore"
	"github.com/atvirokodosprendimai/meshsync/pkg/persistence/filestore"
	"github.com/atvirokodosprendimai/meshsync/pkg/persistence/kvstore"
	"github.com/atvirokodosprendimai/meshsync/pkg/syncengine"
	"github.com/atvirokodosprendimai/meshsync/pkg/tracker"
	"github.com/atvirokodosprendimai/meshsync/pkg/value"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

type peerList map[string]string

func (p peerList) String() string { return fmt.Sprintf("%v", map[string]string(p)) }
func (p peerList) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected peer-id=url, got %q", v)
	}
	p[parts[0]] = parts[1]
	return nil
}

func main() {
	// Check for version flags first (--version or -v)
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-v" {
			fmt.Println("meshsync " + version)
			return
		}
	}

	docID := flag.String("doc", "", "document id (required)")
	selfID := flag.String("self", "", "this node's peer id (required)")
	initial := flag.String("initial", "{}", "initial document content as JSON, used only if the persistence backend reports nothing stored (the kv backend always loads its key set, so it ignores this)")
	syncKind := flag.String("sync", "memory", "conduit backend: memory, ws")
	listenAddr := flag.String("listen", "", "listen address for -sync ws")
	persistKind := flag.String("persist", "", "persistence backend: none, file, kv, doc")
	filePath := flag.String("file-path", "", "path for -persist file")
	kvPath := flag.String("kv-path", "", "path for -persist kv")
	redisAddr := flag.String("redis-addr", "", "redis address for -persist doc")
	passphrasePrompt := flag.Bool("passphrase-prompt", false, "prompt for a shared passphrase and derive per-document keys with it (printed nowhere, held only in memory)")
	otelService := flag.String("otel-service", "meshsync", "service name reported to OpenTelemetry")
	showVersion := flag.Bool("version", false, "print version and exit")

	var peers peerList = peerList{}
	flag.Var(peers, "peer", "peer-id=url mapping for -sync ws (repeatable)")
	flag.Parse()

	if *showVersion {
		fmt.Println("meshsync " + version)
		return
	}
	if *docID == "" || *selfID == "" {
		fmt.Fprintln(os.Stderr, "meshsync: -doc and -self are required")
		os.Exit(1)
	}

	ctx := context.Background()
	shutdownTelemetry, err := otelsync.Init(ctx, *otelService, version)
	if err != nil {
		slog.Warn("meshsync: telemetry init failed, continuing without it", "err", err)
		shutdownTelemetry = func(context.Context) {}
	}
	defer shutdownTelemetry(ctx)

	if *passphrasePrompt {
		keys, err := promptPassphrase(*docID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "meshsync: %v\n", err)
			os.Exit(1)
		}
		slog.Info("meshsync: derived document keys", "topic_id", fmt.Sprintf("%x", keys.TopicID[:4]))
	}

	backend, err := buildPersistence(*persistKind, *filePath, *kvPath, *redisAddr, *docID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshsync: %v\n", err)
		os.Exit(1)
	}

	initialContent, err := loadInitialContent(backend, *initial)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshsync: %v\n", err)
		os.Exit(1)
	}

	var trackerOpts []tracker.Option
	if backend != nil {
		trackerOpts = append(trackerOpts, tracker.WithPersistence(backend))
	}
	doc := syncengine.NewDocument(*docID, *selfID, initialContent, trackerOpts...)

	cond, err := buildConduit(*syncKind, *docID, *selfID, *listenAddr, peers)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshsync: %v\n", err)
		os.Exit(1)
	}

	metrics, err := otelsync.NewMetrics("meshsync")
	if err != nil {
		slog.Warn("meshsync: metrics unavailable", "err", err)
	}
	var engineOpts []syncengine.EngineOption
	if metrics != nil {
		engineOpts = append(engineOpts, syncengine.WithMetrics(metrics))
	}
	engine := syncengine.NewEngine(doc, cond, engineOpts...)

	if ds, ok := backend.(*docstore.Store); ok {
		ds.RemoteAccepted = func(key string, remote value.Value) {
			if err := engine.AcceptStored(key, remote); err != nil {
				slog.Warn("meshsync: folding stored remote value failed", "key", key, "err", err)
			}
		}
	}

	doc.Tracker().SetOnChange(func(ev tracker.ChangeEvent) {
		printStatus(fmt.Sprintf("changed path=%s ops=%d", ev.Path, len(ev.Changes)))
	})

	if err := engine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "meshsync: starting engine: %v\n", err)
		os.Exit(1)
	}
	defer cond.Shutdown()

	printStatus(fmt.Sprintf("meshsync %s ready: doc=%s self=%s sync=%s", version, *docID, *selfID, *syncKind))
	runREPL(doc)
}

func buildPersistence(kind, filePath, kvPath, redisAddr, docID string) (persistence.Backend, error) {
	switch kind {
	case "", "none":
		return nil, nil
	case "file":
		if filePath == "" {
			return nil, fmt.Errorf("-persist file requires -file-path")
		}
		return filestore.New(filePath), nil
	case "kv":
		if kvPath == "" {
			return nil, fmt.Errorf("-persist kv requires -kv-path")
		}
		return kvstore.Open(kvPath)
	case "doc":
		if redisAddr == "" {
			return nil, fmt.Errorf("-persist doc requires -redis-addr")
		}
		return docstore.New(redisAddr, docID)
	default:
		return nil, fmt.Errorf("unknown -persist backend %q", kind)
	}
}

func loadInitialContent(backend persistence.Backend, initialJSON string) (value.Value, error) {
	if backend != nil {
		loaded, err := backend.Load()
		if err == nil {
			return loaded, nil
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return value.Value{}, fmt.Errorf("loading persisted content: %w", err)
		}
	}
	var v value.Value
	if err := v.UnmarshalJSON([]byte(initialJSON)); err != nil {
		return value.Value{}, fmt.Errorf("parsing -initial: %w", err)
	}
	return v, nil
}

func buildConduit(kind, docID, selfID, listenAddr string, peers peerList) (conduit.Conduit, error) {
	switch kind {
	case "", "memory":
		return conduit.NewMemory(docID, selfID), nil
	case "ws":
		resolver := func(peerID string) (string, bool) {
			url, ok := peers[peerID]
			return url, ok
		}
		c := wsconduit.New(docID, selfID, resolver)
		if listenAddr != "" {
			go serveWSListener(c, listenAddr)
		}
		for peerID := range peers {
			if err := c.Join(peerID); err != nil {
				slog.Warn("meshsync: could not join peer at startup", "peer", peerID, "err", err)
			}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown -sync backend %q", kind)
	}
}

func serveWSListener(c *wsconduit.Conduit, listenAddr string) {
	mux := http.NewServeMux()
	mux.Handle("/sync", c)
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		slog.Error("meshsync: ws listener stopped", "err", err)
	}
}

func promptPassphrase(docID string) (*docsecret.Keys, error) {
	fmt.Fprint(os.Stderr, "Passphrase: ")
	var passphrase string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		passphrase = string(raw)
	} else {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		passphrase = strings.TrimRight(line, "\r\n")
	}
	return docsecret.Derive(passphrase, docID)
}

// printStatus writes a colored status line when stdout is a terminal and
// a plain one otherwise, so piping meshsync's output to a log file never
// embeds escape codes.
func printStatus(line string) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Printf("\x1b[36m[meshsync]\x1b[0m %s\n", line)
		return
	}
	fmt.Printf("[meshsync] %s\n", line)
}

func runREPL(doc *syncengine.Document) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runCommand(doc, line); err != nil {
			fmt.Fprintf(os.Stderr, "meshsync: %v\n", err)
		}
	}
}

func runCommand(doc *syncengine.Document, line string) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get <path>")
		}
		path := parsePath(fields[1])
		v, err := doc.Tracker().Get(path)
		if err != nil {
			return err
		}
		fmt.Println(value.ToNative(v))
		return nil
	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("usage: set <path> <json-value>")
		}
		path := parsePath(fields[1])
		var v value.Value
		if err := v.UnmarshalJSON([]byte(strings.Join(fields[2:], " "))); err != nil {
			return err
		}
		return doc.Tracker().Set(path, v)
	case "delete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: delete <path>")
		}
		path := parsePath(fields[1])
		return doc.Tracker().Delete(path)
	case "undo":
		return doc.Tracker().Undo()
	case "redo":
		return doc.Tracker().Redo()
	case "quit", "exit":
		os.Exit(0)
		return nil
	default:
		return fmt.Errorf("unknown command %q (try get, set, delete, undo, redo, quit)", fields[0])
	}
}

// parsePath reads a dotted path like "users.3.name" into a value.Path,
// treating any segment that parses as a non-negative integer as a
// sequence index and everything else as a map key.
func parsePath(s string) value.Path {
	if s == "" || s == "." {
		return nil
	}
	segments := strings.Split(s, ".")
	path := make(value.Path, 0, len(segments))
	for _, seg := range segments {
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 {
			path = append(path, value.IndexElem(idx))
			continue
		}
		path = append(path, value.KeyElem(seg))
	}
	return path
}
