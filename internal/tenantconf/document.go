/*************************************************************************
 * Copyright 2026 FPGA Hypervisor Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tenantconf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

const (
	// maxDocSize bounds how large a persisted tenant document may be
	// before a read is refused outright - mirrors the size cap the
	// ingest config loader applies to .conf files.
	maxDocSize = 4 * 1024 * 1024

	lockTimeout = 5 * time.Second
)

var (
	ErrDocumentTooLarge = errors.New("tenant document is too large")
	ErrShortRead        = errors.New("failed to read entire tenant document")
)

// tenantDoc is the on-disk YAML shape of one tenant, field names matching
// §6 of the specification.
type tenantDoc struct {
	ID                   string    `yaml:"id"`
	UID                  int       `yaml:"uid"`
	GID                  int       `yaml:"gid"`
	APIKey               string    `yaml:"api_key"`
	MaxOverlays          int       `yaml:"max_overlays"`
	MaxBuffers           int       `yaml:"max_buffers"`
	MaxMemoryMB          int       `yaml:"max_memory_mb"`
	AllowedBitstreams    []string  `yaml:"allowed_bitstreams"`
	AllowedAddressRanges [][2]uint64 `yaml:"allowed_address_ranges"`
}

type configDocument struct {
	Tenants []tenantDoc `yaml:"tenants"`
}

func toTenant(d tenantDoc) *Tenant {
	t := &Tenant{
		ID:             d.ID,
		APIKey:         d.APIKey,
		UID:            d.UID,
		GID:            d.GID,
		MaxOverlays:    d.MaxOverlays,
		MaxBuffers:     d.MaxBuffers,
		MaxMemoryBytes: uint64(d.MaxMemoryMB) * 1024 * 1024,
	}
	if len(d.AllowedBitstreams) > 0 {
		t.AllowedBitstreams = make(map[string]struct{}, len(d.AllowedBitstreams))
		for _, b := range d.AllowedBitstreams {
			t.AllowedBitstreams[b] = struct{}{}
		}
	}
	for _, r := range d.AllowedAddressRanges {
		t.AllowedAddressRanges = append(t.AllowedAddressRanges, AddressRange{Base: r[0], Length: r[1]})
	}
	return t
}

func fromTenant(t *Tenant) tenantDoc {
	d := tenantDoc{
		ID:          t.ID,
		UID:         t.UID,
		GID:         t.GID,
		APIKey:      t.APIKey,
		MaxOverlays: t.MaxOverlays,
		MaxBuffers:  t.MaxBuffers,
		MaxMemoryMB: int(t.MaxMemoryBytes / (1024 * 1024)),
	}
	for b := range t.AllowedBitstreams {
		d.AllowedBitstreams = append(d.AllowedBitstreams, b)
	}
	for _, r := range t.AllowedAddressRanges {
		d.AllowedAddressRanges = append(d.AllowedAddressRanges, [2]uint64{r.Base, r.Length})
	}
	return d
}

// loadDocument reads and parses the tenant document at path. A missing
// file is not an error - it yields an empty tenant set, matching the
// teacher's config loader treating a missing overlay directory as "no
// extra config" rather than fatal.
func loadDocument(path string) (map[string]*Tenant, error) {
	out := make(map[string]*Tenant)
	fin, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	defer fin.Close()

	fi, err := fin.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxDocSize {
		return nil, ErrDocumentTooLarge
	}

	buf := make([]byte, fi.Size())
	n, err := io.ReadFull(fin, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	if int64(n) != fi.Size() {
		return nil, ErrShortRead
	}

	var doc configDocument
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, fmt.Errorf("parsing tenant document: %w", err)
	}
	for _, td := range doc.Tenants {
		out[td.ID] = toTenant(td)
	}
	return out, nil
}

// saveDocument persists tenants atomically: an advisory file lock is held
// while the document is marshaled and written (the lock file sits next to the
// document, never the document itself, so a reader never blocks on it),
// and the document is written via renameio so a crash mid-write can never
// leave a torn file in its place.
func saveDocument(path string, tenants map[string]*Tenant) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("locking tenant document: %w", err)
	}
	defer lock.Unlock()

	var doc configDocument
	for _, t := range tenants {
		doc.Tenants = append(doc.Tenants, fromTenant(t))
	}

	b, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("marshaling tenant document: %w", err)
	}
	return renameio.WriteFile(path, b, 0640)
}
