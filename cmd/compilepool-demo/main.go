// compilepool-demo demonstrates starting a compiler pool, submitting a
// handful of compile requests through it, and shutting it down cleanly.
//
// It wires the pool to a fake compiler subprocess (pkg/spawner.Fake)
// rather than a real binary, so the demo runs without any external
// dependency. Point it at a real compiler by supplying -command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/shrisukhani/hhvm/pkg/compiler"
	"github.com/shrisukhani/hhvm/pkg/config"
	"github.com/shrisukhani/hhvm/pkg/manager"
	"github.com/shrisukhani/hhvm/pkg/protocol"
	"github.com/shrisukhani/hhvm/pkg/spawner"
)

func main() {
	var (
		command = flag.String("command", "", "compiler subprocess command line, space-separated; empty uses a built-in fake")
		workers = flag.Int("workers", 4, "pool size")
		retries = flag.Uint64("max-retries", 2, "retries after the first attempt")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	builder := config.NewBuilder().
		WithWorkerCount(*workers).
		WithMaxRetries(*retries).
		WithVerboseErrors(true)

	argv := []string{"fake-compiler"}
	if *command != "" {
		argv = strings.Fields(*command)
	}
	cfg, err := builder.WithCommand(argv...).Build()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sp spawner.ProcessSpawner = &spawner.Fake{Behavior: fakeCompilerBehavior}
	if *command != "" {
		sp = spawner.NewOSSpawner()
	}

	m := manager.New(manager.WithLogger(logger), manager.WithSpawner(sp))

	facade, err := m.EnsureStarted(ctx, "hackc", cfg)
	if err != nil {
		logger.Fatal("start pool", zap.Error(err))
	}
	defer m.Shutdown(context.Background())

	fmt.Printf("compiler version: %s\n", facade.Version())

	sources := []string{
		"<?php function hello() { return 1; }",
		"<?php function world() { return 2; }",
		"<?php function broken() {",
	}
	for i, src := range sources {
		resp, err := facade.Compile(ctx, compiler.Request{
			Filename: fmt.Sprintf("unit-%d.php", i),
			Source:   []byte(src),
		})
		if err != nil {
			fmt.Printf("compile %d: error: %v\n", i, err)
			continue
		}
		fmt.Printf("compile %d: ok, %d bytes of bytecode\n", i, len(resp.Bytecode))
	}

	time.Sleep(50 * time.Millisecond) // let Debug-level worker logs flush before exit
}

// fakeCompilerBehavior stands in for a real compiler subprocess: it
// handshakes, then replies "error" to a source that opens a block without
// closing it and echoes every other source back as "hhas", so the demo has
// something interesting to show for the last, intentionally broken, source
// unit.
func fakeCompilerBehavior(stdin, stdout, stderr *os.File) {
	ch := protocol.NewChannel(stdout, stdin)
	if _, err := stdout.Write([]byte(`{"version":"fake-demo-compiler-1.0"}` + "\n")); err != nil {
		return
	}
	if _, err := ch.ReadLine(); err != nil { // discard byte
		return
	}
	if _, err := ch.ReadFrame(); err != nil { // global config
		return
	}
	if _, err := ch.ReadFrame(); err != nil { // supplementary config
		return
	}
	for {
		frame, err := ch.ReadFrame()
		if err != nil {
			return
		}
		if frame.Header.Type != "code" {
			continue
		}
		if strings.Contains(string(frame.Body), "{") && !strings.Contains(string(frame.Body), "}") {
			_ = ch.WriteFrame(protocol.Header{Type: "error", Extra: map[string]any{"error": "unterminated block"}}, nil)
			continue
		}
		_ = ch.WriteFrame(protocol.Header{Type: "hhas"}, frame.Body)
	}
}
