package extension

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// addWasm exports add(i32, i32) -> i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func touch(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

// countingLinker links nothing real and counts calls.
type countingLinker struct {
	links atomic.Int32
	gate  chan struct{}
	fail  bool
}

func (l *countingLinker) Kind() Kind { return KindNative }

func (l *countingLinker) Link(ctx context.Context, name, path string) (*Module, error) {
	l.links.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.fail {
		return nil, errors.New("bad image")
	}
	return newModule(name, path, KindNative), nil
}

func (l *countingLinker) Close(context.Context) error { return nil }

func TestScanDiscoversExactlyMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	native := NativeConvention()
	touch(t, dir, native.Prefix+"json.decoder"+native.Suffix, nil)
	touch(t, dir, "lib.math.wasm", addWasm)
	touch(t, dir, "other.json"+native.Suffix+".bak", nil)
	touch(t, dir, "wrong-prefix.wasm", nil)
	touch(t, dir, "lib..wasm", nil)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "lib.dir.wasm"), 0o755))

	r, err := Scan(dir, DefaultConventions())
	require.NoError(t, err)

	assert.Equal(t, []string{"json.decoder", "math"}, r.Names())
	assert.True(t, r.Find("math"))
	assert.False(t, r.Find("wrong-prefix"))
	assert.False(t, r.Find("dir"))

	e, ok := r.Entry("math")
	require.True(t, ok)
	assert.Equal(t, KindWasm, e.Kind)
	assert.True(t, filepath.IsAbs(e.Path))
}

func TestScanMissingDirectory(t *testing.T) {
	r, err := Scan(filepath.Join(t.TempDir(), "nope"), DefaultConventions())
	require.NoError(t, err)
	assert.Empty(t, r.Names())
}

func TestLoadNotFound(t *testing.T) {
	r, err := Scan(t.TempDir(), DefaultConventions())
	require.NoError(t, err)

	_, err = r.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "ghost", le.Name)
}

func TestLoadLinkFailure(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "lib.broken.wasm", []byte("not wasm"))
	linker, err := NewWasmLinker(context.Background(), WasmConfig{})
	require.NoError(t, err)
	r, err := Scan(dir, DefaultConventions(), linker)
	require.NoError(t, err)
	defer r.Close(context.Background())

	_, err = r.Load(context.Background(), "broken")
	assert.ErrorIs(t, err, ErrLinkFailure)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestLoadReturnsSameModule(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "lib.math.wasm", addWasm)
	ctx := context.Background()
	linker, err := NewWasmLinker(ctx, WasmConfig{})
	require.NoError(t, err)
	r, err := Scan(dir, DefaultConventions(), linker)
	require.NoError(t, err)
	defer r.Close(ctx)

	first, err := r.Load(ctx, "math")
	require.NoError(t, err)
	second, err := r.Load(ctx, "math")
	require.NoError(t, err)
	assert.Same(t, first, second)

	add, ok := first.Function("add")
	require.True(t, ok)
	out, err := add.Call(ctx, int64(2), 40.0)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(42)}, out)

	_, err = add.Call(ctx, 1)
	assert.Error(t, err)
	_, err = add.Call(ctx, 1.5, 2)
	assert.Error(t, err)
}

func TestConcurrentLoadsLinkOnce(t *testing.T) {
	dir := t.TempDir()
	native := NativeConvention()
	touch(t, dir, native.Prefix+"shared"+native.Suffix, nil)
	linker := &countingLinker{gate: make(chan struct{})}
	r, err := Scan(dir, DefaultConventions(), linker)
	require.NoError(t, err)

	const n = 8
	mods := make([]*Module, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := r.Load(context.Background(), "shared")
			assert.NoError(t, err)
			mods[i] = m
		}()
	}
	close(linker.gate)
	wg.Wait()

	assert.Equal(t, int32(1), linker.links.Load())
	for _, m := range mods {
		assert.Same(t, mods[0], m)
	}
	assert.Len(t, r.Loaded(), 1)
}

func TestFailedLoadIsRetried(t *testing.T) {
	dir := t.TempDir()
	native := NativeConvention()
	touch(t, dir, native.Prefix+"flaky"+native.Suffix, nil)
	linker := &countingLinker{fail: true}
	r, err := Scan(dir, DefaultConventions(), linker)
	require.NoError(t, err)

	_, err = r.Load(context.Background(), "flaky")
	assert.ErrorIs(t, err, ErrLinkFailure)
	linker.fail = false
	_, err = r.Load(context.Background(), "flaky")
	assert.NoError(t, err)
	assert.Equal(t, int32(2), linker.links.Load())
}

func TestMissingLinker(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "lib.math.wasm", addWasm)
	r, err := Scan(dir, DefaultConventions())
	require.NoError(t, err)

	_, err = r.Load(context.Background(), "math")
	assert.ErrorIs(t, err, ErrLinkFailure)
}
