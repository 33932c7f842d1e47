package config

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omalloc/surge/contrib/log"
)

// Observer is config observer.
type Observer[T any] func(string, *T)

// Config is a config interface.
type Config[T any] interface {
	Scan(v *T) error
	Watch(key string, o Observer[T]) error
	Close() error
}

type config[T any] struct {
	opts   *options
	stop   chan struct{}
	signal chan os.Signal
	reload chan struct{}

	observers map[string][]Observer[T]
	bc        *T
}

func New[T any](opts ...Option) Config[T] {
	o := &options{merge: mergoMerge}

	for _, opt := range opts {
		opt(o)
	}

	c := &config[T]{
		opts:      o,
		stop:      make(chan struct{}, 1),
		signal:    make(chan os.Signal, 1),
		reload:    make(chan struct{}, 1),
		observers: make(map[string][]Observer[T]),
		bc:        nil,
	}

	for _, source := range o.sources {
		w, err := source.Watch()
		if err != nil {
			log.Debugf("[config] source has no watcher: %s", err)
			continue
		}
		go c.watchSource(w)
	}

	go c.tick()

	return c
}

// watchSource drains one source's Watcher and nudges tick() to reload. It
// returns once Next starts erroring, which happens once the watcher is
// stopped.
func (c *config[T]) watchSource(w Watcher) {
	for {
		if _, err := w.Next(); err != nil {
			return
		}
		select {
		case c.reload <- struct{}{}:
		default:
		}
	}
}

func (c *config[T]) Scan(v *T) error {
	c.bc = v
	for _, source := range c.opts.sources {
		files, err := source.Load()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file not found: %w", err)
			}
			return err
		}
		for _, file := range files {
			if file.Value == nil {
				continue
			}
			log.Debugf("[config] load file: %#+v format: %s", file.Key, file.Format)
			unmarshal := toUnmarshal(file.Format)
			var next T
			if err := unmarshal(file.Value, &next); err != nil {
				log.Errorf("[config] unmarshal file: %#+v error: %s", file.Key, err)
				continue
			}
			if err := c.opts.merge(v, &next); err != nil {
				log.Errorf("[config] merge file: %#+v error: %s", file.Key, err)
			}
		}
	}
	return nil
}

func (c *config[T]) Watch(key string, o Observer[T]) error {
	if c.observers[key] == nil {
		c.observers[key] = make([]Observer[T], 0, 8)
	}
	c.observers[key] = append(c.observers[key], o)
	return nil
}

func (c *config[T]) Close() error {
	c.stop <- struct{}{}
	close(c.stop)
	close(c.signal)

	return nil
}

func (c *config[T]) tick() {
	signal.Notify(c.signal, syscall.SIGHUP)

	for {
		select {
		case <-c.stop:
			return
		case <-c.signal:
			log.Debug("[config] received SIGHUP")
			c.doReload()
		case <-c.reload:
			log.Debug("[config] source changed on disk")
			c.doReload()
		}
	}
}

func (c *config[T]) doReload() {
	if c.bc == nil {
		return
	}
	if err := c.Scan(c.bc); err != nil {
		log.Errorf("[config] reload error: %s", err)
		return
	}
	for k, observers := range c.observers {
		log.Debugf("[config] upgrade key: %s", k)
		for _, observer := range observers {
			observer(k, c.bc)
		}
	}
}
