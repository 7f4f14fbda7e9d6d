package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hoonlabs/agentd/internal/inference"
	"github.com/hoonlabs/agentd/internal/observability"
)

// PromptContext is the static prefix of the system context: base
// instructions plus the model-visible toolset. It is immutable once
// built so the backend can reuse its KV cache across requests; any
// change produces a new context with a higher Generation, never an
// in-place edit.
type PromptContext struct {
	Instructions string
	Tools        []inference.ToolDefinition
	Generation   uint64
}

// PromptCache builds and holds the current PromptContext. A file
// watcher on the instruction file rebuilds it on edit; Invalidate
// forces a rebuild (the admin reload path).
//
// Thread Safety:
// PromptCache is safe for concurrent use.
type PromptCache struct {
	promptFile string
	registry   *Registry
	dispatcher *Dispatcher
	logger     *observability.Logger

	mu      sync.RWMutex
	current *PromptContext

	watcher  *fsnotify.Watcher
	watchWg  sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPromptCache builds the initial context. promptFile may be empty,
// in which case instructions default to a minimal built-in prompt and
// no watcher is started.
func NewPromptCache(promptFile string, registry *Registry, dispatcher *Dispatcher, logger *observability.Logger) (*PromptCache, error) {
	c := &PromptCache{
		promptFile: promptFile,
		registry:   registry,
		dispatcher: dispatcher,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	if err := c.rebuild(); err != nil {
		return nil, err
	}
	return c, nil
}

// Current returns the live context. Callers must treat it as read-only.
func (c *PromptCache) Current() *PromptContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Invalidate rebuilds the context from the instruction file and the
// registry, bumping the generation.
func (c *PromptCache) Invalidate() error {
	return c.rebuild()
}

func (c *PromptCache) rebuild() error {
	instructions := defaultInstructions
	if c.promptFile != "" {
		data, err := os.ReadFile(c.promptFile)
		if err != nil {
			return fmt.Errorf("read prompt file: %w", err)
		}
		instructions = string(data)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var gen uint64
	if c.current != nil {
		gen = c.current.Generation + 1
	}
	c.current = &PromptContext{
		Instructions: instructions,
		Tools:        c.dispatcher.ModelTools(),
		Generation:   gen,
	}
	return nil
}

// Watch starts the instruction-file watcher. Edits are debounced and
// trigger a rebuild. No-op when no prompt file is configured.
func (c *PromptCache) Watch(ctx context.Context) error {
	if c.promptFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("prompt watcher: %w", err)
	}
	if err := watcher.Add(c.promptFile); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", c.promptFile, err)
	}
	c.watcher = watcher

	c.watchWg.Add(1)
	go c.watchLoop(ctx, 250*time.Millisecond)
	return nil
}

// Close stops the watcher.
func (c *PromptCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.watcher != nil {
		_ = c.watcher.Close()
	}
	c.watchWg.Wait()
	return nil
}

func (c *PromptCache) watchLoop(ctx context.Context, debounce time.Duration) {
	defer c.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleRebuild := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			if err := c.rebuild(); err != nil {
				c.logger.Warn(ctx, "prompt rebuild failed", "error", err)
				return
			}
			c.logger.Info(ctx, "prompt context rebuilt",
				"generation", c.Current().Generation,
			)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Editors often replace the file; re-add the watch so
				// renames keep triggering rebuilds.
				if event.Op&fsnotify.Rename != 0 {
					_ = c.watcher.Add(c.promptFile)
				}
				scheduleRebuild()
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn(ctx, "prompt watch error", "error", err)
		}
	}
}

const defaultInstructions = "You are a helpful assistant. Use the available tools when a question needs fresh or caller-specific information."
