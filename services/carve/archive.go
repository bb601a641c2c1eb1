package carve

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
)

// assembleArchive concatenates the session's blocks in block id order and
// writes them to the bucket as a single-entry tar.zst object.
func (m *Manager) assembleArchive(ctx context.Context, model *carveSessionModel) (string, error) {
	var blocks []carveBlockModel
	err := m.orm.WithContext(ctx).
		Where("carve_session_id = ?", model.ID).
		Order("block_id").
		Find(&blocks).Error
	if err != nil {
		return "", err
	}
	if len(blocks) != model.BlockCount {
		return "", fmt.Errorf("session %s has %d blocks, want %d", model.SessionID, len(blocks), model.BlockCount)
	}

	var payload bytes.Buffer
	payload.Grow(int(model.CarveSize))
	for _, block := range blocks {
		if err := m.appendBlock(ctx, &payload, block); err != nil {
			return "", err
		}
	}

	var archive bytes.Buffer
	encoder, err := zstd.NewWriter(&archive)
	if err != nil {
		return "", fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)
	header := &tar.Header{
		Name:     model.CarveGUID + ".tar",
		Mode:     0o644,
		Size:     int64(payload.Len()),
		ModTime:  time.Now().UTC(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return "", fmt.Errorf("write archive header: %w", err)
	}
	if _, err := tw.Write(payload.Bytes()); err != nil {
		return "", fmt.Errorf("write archive body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("close zstd: %w", err)
	}

	key := archiveObjectKey(*model)
	if err := m.store.PutBytes(ctx, m.bucket, key, archive.Bytes()); err != nil {
		return "", fmt.Errorf("store archive: %w", err)
	}
	return key, nil
}

func (m *Manager) appendBlock(ctx context.Context, dst *bytes.Buffer, block carveBlockModel) error {
	reader, err := m.store.GetObject(ctx, m.bucket, block.ObjectKey)
	if err != nil {
		return fmt.Errorf("read block %d: %w", block.BlockID, err)
	}
	defer reader.Close()

	if _, err := io.Copy(dst, reader); err != nil {
		return fmt.Errorf("copy block %d: %w", block.BlockID, err)
	}
	return nil
}
