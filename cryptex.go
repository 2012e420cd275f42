// Package cryptex is the facade the host application embeds: one
// Vault per unlocked password, wrapping key derivation, the blob
// codec, the folder-name codec and the per-folder index behind a
// small operation surface.
package cryptex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/cryptexvault/cryptex/internal/vault"
)

// Re-exported so callers never need to import the internal package
// directly.
type (
	FileType    = vault.FileType
	Entry       = vault.Entry
	Adapter     = vault.Adapter
	IndexEntry  = vault.IndexEntry
	OpenedBlob  = vault.OpenedBlob
	Progress    = vault.Progress
	HostContext = vault.HostContext
)

const (
	FileTypeDirectory = vault.FileTypeDirectory
	FileTypeImage     = vault.FileTypeImage
	FileTypeGIF       = vault.FileTypeGIF
	FileTypeVideo     = vault.FileTypeVideo
	FileTypeText      = vault.FileTypeText
)

var (
	ErrInvalidPassword    = vault.ErrInvalidPassword
	ErrCorruptFormat      = vault.ErrCorruptFormat
	ErrUnsupportedVersion = vault.ErrUnsupportedVersion
	ErrIO                 = vault.ErrIO
	ErrKdf                = vault.ErrKdf
	ErrResourceLimit      = vault.ErrResourceLimit
	ErrCancelled          = vault.ErrCancelled
)

// GalleryEntry is one row the gallery renders: either a decrypted
// subfolder or a blob, already joined against the cached index where
// possible so a listing never has to decrypt every blob up front.
type GalleryEntry struct {
	Name         string // on-disk name (folder token or blob name)
	DisplayName  string // decrypted name, or Name itself if undecryptable
	IsFolder     bool
	FileType     FileType
	Size         int64
	ModTime      time.Time
	HasThumbnail bool
	HasNote      bool
}

// Vault is one unlocked vault folder tree: a root directory plus the
// password currently held live in secure memory.
type Vault struct {
	adapter Adapter
	root    string
	log     *slog.Logger
	params  vault.Params

	arena    *vault.Arena
	session  *vault.SessionKey
	folders  *vault.FolderCodec
	index    *vault.VaultIndex
	password *vault.Buffer
}

// Open unlocks a vault rooted at root, loading its index if one
// exists. A missing index is not an error: List falls back to raw
// enumeration until Regenerate populates it. An InvalidPassword error
// while decrypting an existing index is propagated so the caller can
// re-prompt.
func Open(adapter Adapter, root string, password []byte, log *slog.Logger) (*Vault, error) {
	if log == nil {
		log = slog.Default()
	}
	arena := vault.NewArena(true, log)

	pwCopy := append([]byte(nil), password...)
	pwBuf := vault.NewBuffer(pwCopy)
	arena.RegisterBytes(pwBuf)

	session := vault.NewSessionKey(arena)
	if err := session.Regenerate(); err != nil {
		return nil, err
	}

	v := &Vault{
		adapter:  adapter,
		root:     root,
		log:      log,
		params:   vault.DefaultParams(),
		arena:    arena,
		session:  session,
		folders:  vault.NewFolderCodec(arena),
		index:    vault.NewVaultIndex(log),
		password: pwBuf,
	}

	if err := v.index.Load(context.Background(), adapter, root, pwCopy); err != nil {
		if errors.Is(err, ErrInvalidPassword) {
			return nil, err
		}
		log.Warn("cryptex: index load failed, continuing with an empty index", "error", err)
	}

	return v, nil
}

func (v *Vault) pw() []byte { return v.password.Bytes() }

// Lock flushes any pending index changes, then wipes every sensitive
// buffer this vault holds. The Vault is unusable after Lock returns.
func (v *Vault) Lock(host HostContext) {
	if err := v.index.Flush(context.Background(), v.adapter, v.pw(), v.params); err != nil {
		v.log.Warn("cryptex: flush on lock failed", "error", err)
	}
	v.session.Destroy()
	v.arena.FullCleanup(host)
}

// List decrypts folder names and joins blob names against the cached
// index, returning a display-ready listing for folder.
func (v *Vault) List(folder string) ([]GalleryEntry, error) {
	raw, err := v.adapter.Enumerate(folder)
	if err != nil {
		return nil, err
	}
	raw = vault.FilterIndexEntries(raw)

	out := make([]GalleryEntry, 0, len(raw))
	for _, e := range raw {
		if e.Kind == vault.KindDir {
			display := e.Name
			if name, ok := v.folders.DecryptFolderName(e.Name, v.pw()); ok {
				display = name
			}
			out = append(out, GalleryEntry{Name: e.Name, DisplayName: display, IsFolder: true, ModTime: e.ModTime})
			continue
		}

		ge := GalleryEntry{Name: e.Name, DisplayName: e.Name, Size: e.Size, ModTime: e.ModTime}
		if cached, ok := v.index.Get(e.Name); ok {
			ge.DisplayName = cached.OriginalName
			ge.FileType = cached.FileType
			ge.HasThumbnail = cached.HasThumbnail
			ge.HasNote = cached.HasNote
		}
		out = append(out, ge)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].IsFolder != out[j].IsFolder {
			return out[i].IsFolder
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out, nil
}

// CreateEncryptedFolder encrypts name and creates the corresponding
// subdirectory under parent, returning the on-disk token.
func (v *Vault) CreateEncryptedFolder(parent, name string) (string, error) {
	token, err := vault.EncryptFolderName(name, v.pw())
	if err != nil {
		return "", err
	}
	if _, err := v.adapter.CreateSubdir(parent, token); err != nil {
		return "", err
	}
	return token, nil
}

// ImportProgress reports bytes copied so far against the known total.
type ImportProgress func(done, total int64)

// Import encrypts src (exactly size bytes) plus optional thumbnail and
// note payloads into a new blob under dstFolder, then records it in
// the index. The returned name is the blob's on-disk token.
func (v *Vault) Import(ctx context.Context, src io.Reader, dstFolder, originalName string, ft FileType, size int64, thumbnail, note []byte, progress ImportProgress) (string, error) {
	name, err := vault.RandomBlobName()
	if err != nil {
		return "", err
	}

	in := vault.Input{
		Metadata: vault.Metadata{OriginalName: originalName, FileType: ft},
		File:     &vault.SizedSection{R: newProgressReader(ctx, src, size, progress), N: size},
		Note:     note,
	}
	if len(thumbnail) > 0 {
		in.Thumbnail = &vault.SizedSection{R: bytes.NewReader(thumbnail), N: int64(len(thumbnail))}
	}

	err = vault.WriteBlob(v.adapter, dstFolder, name, func(w io.Writer) error {
		return vault.Encrypt(w, v.pw(), v.params, in)
	})
	if err != nil {
		return "", err
	}

	v.index.Add(vault.IndexEntry{
		Name:         name,
		OriginalName: originalName,
		FileType:     ft,
		FolderPath:   dstFolder,
		Size:         size,
		ModTime:      time.Now(),
		HasThumbnail: len(thumbnail) > 0,
		HasNote:      len(note) > 0,
	}, v.adapter, v.pw(), v.params)

	return name, nil
}

// View is an opened blob bound to the adapter stream that backs it;
// callers must Close it once done reading sections.
type View struct {
	*OpenedBlob
	closer io.Closer
}

func (vw *View) Close() error { return vw.closer.Close() }

// OpenForView opens entry for section-by-section reading (gallery
// preview: thumbnail first, then the full file on demand).
func (v *Vault) OpenForView(entry Entry) (*View, error) {
	r, err := v.adapter.OpenRead(entry)
	if err != nil {
		return nil, err
	}
	opened, err := vault.Open(r, v.pw())
	if err != nil {
		r.Close()
		return nil, err
	}
	return &View{OpenedBlob: opened, closer: r}, nil
}

// ReadText fully decrypts entry's FILE section and returns it as a
// string, for inline text-note preview.
func (v *Vault) ReadText(entry Entry) (string, error) {
	view, err := v.OpenForView(entry)
	if err != nil {
		return "", err
	}
	defer view.Close()

	data, err := view.FileBytes()
	if err != nil {
		return "", err
	}
	if err := view.Finish(); err != nil {
		return "", err
	}
	return string(data), nil
}

// Regenerate rebuilds the index incrementally (already-indexed blobs
// are left alone) and returns the number of new blobs probed.
func (v *Vault) Regenerate(ctx context.Context, progress Progress) (int, error) {
	return v.index.Generate(ctx, v.adapter, v.pw(), v.params, progress)
}

// Query looks up a single blob's cached index entry.
func (v *Vault) Query(name string) (IndexEntry, bool) {
	return v.index.Get(name)
}

// progressReader wraps src, reporting cumulative bytes read and
// observing ctx cancellation between reads.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	total    int64
	done     int64
	progress ImportProgress
}

func newProgressReader(ctx context.Context, r io.Reader, total int64, progress ImportProgress) io.Reader {
	if ctx == nil {
		ctx = context.Background()
	}
	return &progressReader{ctx: ctx, r: r, total: total, progress: progress}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	select {
	case <-p.ctx.Done():
		return 0, &vault.Error{Op: "cryptex.import", Kind: vault.KindCancelled, Err: p.ctx.Err()}
	default:
	}
	n, err := p.r.Read(buf)
	p.done += int64(n)
	if p.progress != nil {
		p.progress(p.done, p.total)
	}
	return n, err
}
