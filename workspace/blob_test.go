package workspace

import (
	"context"
	"errors"
	"testing"

	"github.com/agentworkforce/nbstore/storage"
)

type readonlySource struct{ *MemoryBlobSource }

func (readonlySource) Name() string   { return "readonly" }
func (readonlySource) Readonly() bool { return true }

func TestBlobEngineFallsBackToShadows(t *testing.T) {
	ctx := context.Background()
	main := NewMemoryBlobSource()
	shadow := NewMemoryBlobSource()
	if _, err := shadow.Set(ctx, "k", []byte("from shadow")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := NewBlobEngine(main, []BlobSource{shadow}, nil)
	data, err := e.Get(ctx, "k")
	if err != nil || string(data) != "from shadow" {
		t.Fatalf("get = %q, %v", data, err)
	}
	if data, err := e.Get(ctx, "missing"); err != nil || data != nil {
		t.Fatalf("expected nil for missing blob, got %q, %v", data, err)
	}
}

func TestBlobEngineCopiesWritesToShadows(t *testing.T) {
	ctx := context.Background()
	main := NewMemoryBlobSource()
	shadow := NewMemoryBlobSource()
	ro := readonlySource{NewMemoryBlobSource()}
	e := NewBlobEngine(main, []BlobSource{shadow, ro}, nil)
	if _, err := e.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	e.Wait()
	if data, _ := shadow.Get(ctx, "k"); string(data) != "v" {
		t.Fatalf("shadow missing write: %q", data)
	}
	if data, _ := ro.MemoryBlobSource.Get(ctx, "k"); data != nil {
		t.Fatalf("readonly shadow was written")
	}
}

func TestBlobEngineReadonlyMain(t *testing.T) {
	e := NewBlobEngine(readonlySource{NewMemoryBlobSource()}, nil, nil)
	if _, err := e.Set(context.Background(), "k", []byte("v")); !errors.Is(err, storage.ErrReadonly) {
		t.Fatalf("expected ErrReadonly, got %v", err)
	}
}

func TestBlobEngineSync(t *testing.T) {
	ctx := context.Background()
	main := NewMemoryBlobSource()
	shadow := NewMemoryBlobSource()
	main.Set(ctx, "a", []byte("a"))
	shadow.Set(ctx, "b", []byte("b"))
	e := NewBlobEngine(main, []BlobSource{shadow}, nil)
	if err := e.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	for _, src := range []BlobSource{main, shadow} {
		keys, _ := src.List(ctx)
		if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
			t.Fatalf("%s has %v after sync", src.Name(), keys)
		}
	}
}
