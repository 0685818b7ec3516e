package objectstore

import "context"

// Handle adapts a Store to the {upload, download} capability shape the
// runner and ExecutionContext expose. The name argument is advisory only;
// content addressing fixes the ref regardless of what callers name the
// payload.
type Handle struct {
	Store Store
}

func (h Handle) Upload(ctx context.Context, _ string, data []byte, mime string) (string, error) {
	return h.Store.Put(ctx, data, mime)
}

func (h Handle) Download(ctx context.Context, ref string) ([]byte, string, error) {
	return h.Store.Get(ctx, ref)
}
