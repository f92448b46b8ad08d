package manager

import (
	"context"
	"testing"
	"time"

	"github.com/lspd/lspd/internal/catalog"
	"github.com/lspd/lspd/internal/config"
	"github.com/lspd/lspd/internal/pubsub"
	"github.com/lspd/lspd/internal/registry"
	"github.com/stretchr/testify/assert"
	"go.lsp.dev/protocol"
)

func TestScanTextualOccurrencesWholeWordOnly(t *testing.T) {
	content := "foo foobar (foo) foo.bar\nfoo\n"
	occs := scanTextualOccurrences(content, "foo")

	// "foobar" must not match, but the bare "foo" occurrences (including
	// the one right before ".bar") must.
	assert.Len(t, occs, 4)
	assert.Equal(t, 0, occs[0].line)
	assert.Equal(t, 0, occs[0].char)
}

func TestScanTextualOccurrencesEmptySymbol(t *testing.T) {
	assert.Empty(t, scanTextualOccurrences("foo bar", ""))
}

func TestDedupeOccurrences(t *testing.T) {
	occs := []occurrence{{line: 1, char: 2}, {line: 1, char: 2}, {line: 3, char: 0}}
	out := dedupeOccurrences(occs)
	assert.Len(t, out, 2)
}

func TestIsCallableKind(t *testing.T) {
	assert.True(t, isCallableKind(protocol.SymbolKindFunction))
	assert.True(t, isCallableKind(protocol.SymbolKindMethod))
	assert.True(t, isCallableKind(protocol.SymbolKindConstructor))
	assert.False(t, isCallableKind(protocol.SymbolKindVariable))
}

func TestMatchesAt(t *testing.T) {
	runes := []rune("hello world")
	assert.True(t, matchesAt(runes, 0, []rune("hello")))
	assert.True(t, matchesAt(runes, 6, []rune("world")))
	assert.False(t, matchesAt(runes, 6, []rune("worldx")))
	assert.False(t, matchesAt(runes, 1, []rune("hello")))
}

// TestNewSubscribesToOwnLifecycleBroker publishes an event on the
// broker that New's background logLifecycleEvents goroutine subscribes
// to, then checks that Shutdown, which closes that broker, returns
// within 2s. It does not observe the goroutine itself.
func TestNewSubscribesToOwnLifecycleBroker(t *testing.T) {
	cfg := &config.Config{WorkingDir: t.TempDir()}
	cat := catalog.Load(cfg)
	reg := registry.New()
	m := New(cat, cfg, reg)

	m.events.Publish(pubsub.CreatedEvent, RunningServerEvent{ServerID: "gopls", Root: cfg.WorkingDir, Started: true})

	done := make(chan struct{})
	go func() {
		m.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return; logLifecycleEvents goroutine may be stuck")
	}
}
