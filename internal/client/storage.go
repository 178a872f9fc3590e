package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"escrowflow/internal/model"
)

const ChecksumPrefix = "blake2b-256:"

// FSStorage 本地文件系统 blob 存储，按内容哈希分目录
type FSStorage struct {
	root string
}

func NewFSStorage(root string) (*FSStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FSStorage{root: root}, nil
}

// PutFile 边写边计算 blake2b-256，写完后按校验和落盘
func (s *FSStorage) PutFile(ctx context.Context, name string, r io.Reader) (model.FileRef, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return model.FileRef{}, fmt.Errorf("invalid file name")
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return model.FileRef{}, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h, err := blake2b.New256(nil)
	if err != nil {
		tmp.Close()
		return model.FileRef{}, err
	}
	size, err := io.Copy(io.MultiWriter(tmp, h), readerWithContext(ctx, r))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return model.FileRef{}, fmt.Errorf("write %s: %w", name, err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	dir := filepath.Join(s.root, sum[:2], sum)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return model.FileRef{}, fmt.Errorf("create blob dir: %w", err)
	}
	dst := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return model.FileRef{}, fmt.Errorf("store %s: %w", name, err)
	}

	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return model.FileRef{
		Name:      name,
		Checksum:  ChecksumPrefix + sum,
		SizeBytes: size,
		URI:       "file://" + filepath.ToSlash(abs),
	}, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
