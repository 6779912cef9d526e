// Package avlib is the process-wide codec and container provider library.
// A Library is created once with Init, passed by reference to the demuxer
// and decoders, and closed last. It resolves sources by URL scheme or file
// extension, selects codecs by CodecID, and counts every container and
// codec it hands out so leaks are visible at Close.
package avlib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/zsiec/reel/internal/codec/aac"
	"github.com/zsiec/reel/internal/codec/cea608"
	"github.com/zsiec/reel/internal/codec/h264"
	"github.com/zsiec/reel/internal/codec/raw"
	"github.com/zsiec/reel/internal/format/srt"
	"github.com/zsiec/reel/internal/format/testsrc"
	"github.com/zsiec/reel/internal/format/tsfile"
	"github.com/zsiec/reel/internal/media"
)

var (
	ErrLibraryClosed        = errors.New("avlib: library closed")
	ErrResourcesOutstanding = errors.New("avlib: resources outstanding")
)

// Outstanding counts providers handed out and not yet closed.
type Outstanding struct {
	Containers int `json:"containers"`
	Codecs     int `json:"codecs"`
}

// Total returns the sum of both counts.
func (o Outstanding) Total() int {
	return o.Containers + o.Codecs
}

// Library holds the provider registries.
type Library struct {
	log *slog.Logger

	mu         sync.Mutex
	schemes    map[string]media.ContainerFactory
	extensions map[string]media.ContainerFactory
	codecs     map[media.CodecID]media.CodecFactory
	open       Outstanding
	closed     bool
	builtins   bool
}

// Option configures a Library.
type Option func(*Library)

// WithoutBuiltins skips registering the built-in providers.
func WithoutBuiltins() Option {
	return func(l *Library) {
		l.builtins = false
	}
}

// Init creates the library and registers the built-in providers. If log
// is nil, slog.Default() is used.
func Init(log *slog.Logger, opts ...Option) *Library {
	if log == nil {
		log = slog.Default()
	}
	l := &Library{
		log:        log.With("component", "avlib"),
		schemes:    make(map[string]media.ContainerFactory),
		extensions: make(map[string]media.ContainerFactory),
		codecs:     make(map[media.CodecID]media.CodecFactory),
		builtins:   true,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.builtins {
		l.registerBuiltins()
	}
	return l
}

func (l *Library) registerBuiltins() {
	ts := containerFactory(tsfile.Open)
	l.RegisterContainer("file", ts)
	for _, ext := range []string{".ts", ".m2ts", ".mts"} {
		l.RegisterExtension(ext, ts)
	}
	l.RegisterContainer("testsrc", containerFactory(testsrc.Open))
	l.RegisterContainer("srt", containerFactory(srt.Open))

	l.RegisterCodec(media.CodecH264, codecFactory(h264.New))
	l.RegisterCodec(media.CodecH265, codecFactory(h264.New))
	l.RegisterCodec(media.CodecAAC, codecFactory(aac.New))
	l.RegisterCodec(media.CodecCEA608, codecFactory(cea608.New))
	l.RegisterCodec(media.CodecRawVideo, codecFactory(raw.New))
	l.RegisterCodec(media.CodecPCM, codecFactory(raw.New))
}

// containerFactory adapts a provider constructor returning a concrete type.
// A nil pointer is never wrapped into a non-nil interface.
func containerFactory[C media.Container](open func(context.Context, string, *slog.Logger) (C, error)) media.ContainerFactory {
	return func(ctx context.Context, url string, log *slog.Logger) (media.Container, error) {
		c, err := open(ctx, url, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func codecFactory[C media.Codec](create func(media.StreamDescriptor, *slog.Logger) (C, error)) media.CodecFactory {
	return func(desc media.StreamDescriptor, log *slog.Logger) (media.Codec, error) {
		c, err := create(desc, log)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// RegisterContainer installs f for URLs with the given scheme, replacing
// any earlier registration.
func (l *Library) RegisterContainer(scheme string, f media.ContainerFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.schemes[strings.ToLower(scheme)] = f
}

// RegisterExtension installs f for file paths ending in ext (".ts").
func (l *Library) RegisterExtension(ext string, f media.ContainerFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extensions[strings.ToLower(ext)] = f
}

// RegisterCodec installs f for streams encoded with id.
func (l *Library) RegisterCodec(id media.CodecID, f media.CodecFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.codecs[id] = f
}

// resolve picks the container factory for url. Scheme registrations win;
// file URLs and bare paths fall back to the extension table.
func (l *Library) resolve(url string) (media.ContainerFactory, error) {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		scheme, rest = "", url
	}
	scheme = strings.ToLower(scheme)
	if scheme != "" && scheme != "file" {
		if f, ok := l.schemes[scheme]; ok {
			return f, nil
		}
		return nil, fmt.Errorf("avlib: %w: scheme %q", media.ErrUnsupportedFormat, scheme)
	}
	if f, ok := l.extensions[strings.ToLower(path.Ext(rest))]; ok {
		return f, nil
	}
	if f, ok := l.schemes["file"]; ok && scheme == "file" {
		return f, nil
	}
	return nil, fmt.Errorf("avlib: %w: %q", media.ErrUnsupportedFormat, url)
}

// OpenContainer opens url with the matching provider. The returned
// container is counted until it is closed.
func (l *Library) OpenContainer(ctx context.Context, url string) (media.Container, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLibraryClosed
	}
	f, err := l.resolve(url)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	c, err := f(ctx, url, l.log)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.open.Containers++
	l.mu.Unlock()
	l.log.Debug("container opened", "url", url, "format", c.Info().Format)
	return &trackedContainer{Container: c, lib: l}, nil
}

// NewCodec creates the codec selected by desc.Codec.
func (l *Library) NewCodec(desc media.StreamDescriptor) (media.Codec, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLibraryClosed
	}
	f, ok := l.codecs[desc.Codec]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("avlib: %w: %s", media.ErrUnsupportedCodec, desc.Codec)
	}

	c, err := f(desc, l.log)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.open.Codecs++
	l.mu.Unlock()
	return &trackedCodec{Codec: c, lib: l}, nil
}

// Outstanding returns the number of containers and codecs not yet closed.
func (l *Library) Outstanding() Outstanding {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Close shuts the library down. It fails with ErrResourcesOutstanding if
// any container or codec is still open; the library stays usable then.
func (l *Library) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if l.open.Total() > 0 {
		return fmt.Errorf("%w: %d containers, %d codecs", ErrResourcesOutstanding, l.open.Containers, l.open.Codecs)
	}
	l.closed = true
	return nil
}

func (l *Library) release(containers, codecs int) {
	l.mu.Lock()
	l.open.Containers -= containers
	l.open.Codecs -= codecs
	l.mu.Unlock()
}

type trackedContainer struct {
	media.Container
	lib  *Library
	once sync.Once
}

// SeekPoints forwards to the provider's keyframe index, if it keeps one.
func (c *trackedContainer) SeekPoints() []media.SeekPoint {
	if si, ok := c.Container.(media.SeekIndexer); ok {
		return si.SeekPoints()
	}
	return nil
}

// Unwrap returns the provider's own container.
func (c *trackedContainer) Unwrap() media.Container {
	return c.Container
}

func (c *trackedContainer) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Container.Close()
		c.lib.release(1, 0)
	})
	return err
}

type trackedCodec struct {
	media.Codec
	lib  *Library
	once sync.Once
}

func (c *trackedCodec) Close() error {
	var err error
	c.once.Do(func() {
		err = c.Codec.Close()
		c.lib.release(0, 1)
	})
	return err
}
