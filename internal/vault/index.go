package vault

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// State tracks the lifecycle of a VaultIndex.
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateLoaded
	StateDirty
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

const indexFormatVersion = 1

// autosaveDebounce is how long the index waits after the last mutation
// before writing itself back out, coalescing bursts of Add/Remove calls
// from a gallery import into a single save.
const autosaveDebounce = 2 * time.Second

// IndexEntry is one row of the index: everything the gallery needs to
// render a thumbnail grid without opening every blob on every listing.
// FolderPath is the entry's location relative to the vault root ("" for
// the root itself), joined with "/" the same way MemAdapter keys its
// folders — it is what lets one root-scoped index describe blobs spread
// across every encrypted subfolder.
type IndexEntry struct {
	Name         string    `json:"name"`
	OriginalName string    `json:"originalName"`
	FileType     FileType  `json:"fileType"`
	FolderPath   string    `json:"folderPath"`
	Size         int64     `json:"size"`
	ModTime      time.Time `json:"modTime"`
	HasThumbnail bool      `json:"hasThumbnail"`
	HasNote      bool      `json:"hasNote"`
}

type indexDoc struct {
	Version int          `json:"v"`
	Created int64        `json:"c"`
	Updated int64        `json:"u"`
	Entries []IndexEntry `json:"e"`
}

// VaultIndex is the cached, encrypted manifest of an entire vault: one
// index, persisted once under the vault root, describing blobs that may
// live anywhere in the folder tree. It is concurrency-safe: Load/Save/
// Generate may run from a background goroutine while the gallery reads
// Entries from the UI goroutine.
type VaultIndex struct {
	log *slog.Logger

	mu      sync.RWMutex
	state   State
	created time.Time
	updated time.Time
	entries map[string]IndexEntry

	root      string // vault root the index is scoped to, fixed by Load
	indexName string // current on-disk index blob name, "" if none yet

	loadOnce      sync.Mutex // single-flight guard for Load
	loadResult    error
	loaded        bool
	loadSucceeded bool // gates autosave: never persist a half-built index before the first real load

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// NewVaultIndex returns an empty, unloaded index.
func NewVaultIndex(log *slog.Logger) *VaultIndex {
	if log == nil {
		log = slog.Default()
	}
	return &VaultIndex{log: log, state: StateEmpty, entries: map[string]IndexEntry{}}
}

// State reports the index's current lifecycle state.
func (vi *VaultIndex) State() State {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return vi.state
}

// Entries returns a snapshot copy of every entry, safe to range over
// without holding the index's lock.
func (vi *VaultIndex) Entries() []IndexEntry {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	out := make([]IndexEntry, 0, len(vi.entries))
	for _, e := range vi.entries {
		out = append(out, e)
	}
	return out
}

// Get returns the entry for name, if present.
func (vi *VaultIndex) Get(name string) (IndexEntry, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	e, ok := vi.entries[name]
	return e, ok
}

// Load finds and decrypts the vault's single index blob (if any) from
// root, guarded so concurrent callers collapse onto one actual load.
// Callers that lose the race block until the winner finishes and then
// share its result. root is recorded and used by every later Save/
// Add/Remove/Generate call — the index blob always lives at the vault
// root even though the entries it describes may not.
func (vi *VaultIndex) Load(ctx context.Context, a Adapter, root string, password []byte) error {
	vi.loadOnce.Lock()
	defer vi.loadOnce.Unlock()

	if vi.loaded {
		return vi.loadResult
	}

	vi.mu.Lock()
	vi.root = root
	vi.state = StateLoading
	vi.mu.Unlock()

	err := vi.doLoad(ctx, a, root, password)

	vi.mu.Lock()
	if err != nil {
		vi.state = StateEmpty
	} else {
		vi.state = StateLoaded
		vi.loadSucceeded = true
	}
	vi.mu.Unlock()

	vi.loaded = true
	vi.loadResult = err
	return err
}

// doLoad scans only root itself, never descending into subfolders: the
// index blob is always written at the vault root, regardless of which
// subfolders the entries it describes live in.
func (vi *VaultIndex) doLoad(ctx context.Context, a Adapter, root string, password []byte) error {
	entries, err := a.Enumerate(root)
	if err != nil {
		return err
	}

	var found *Entry
	for i := range entries {
		if entries[i].Kind == KindFile && IsIndexFileName(entries[i].Name) {
			found = &entries[i]
			break
		}
	}
	if found == nil {
		vi.mu.Lock()
		vi.entries = map[string]IndexEntry{}
		vi.created = time.Time{}
		vi.updated = time.Time{}
		vi.indexName = ""
		vi.mu.Unlock()
		return nil
	}

	r, err := a.OpenRead(*found)
	if err != nil {
		return err
	}
	defer r.Close()

	opened, err := Open(r, password)
	if err != nil {
		return err
	}
	raw, err := opened.FileBytes()
	if err != nil {
		return err
	}
	if err := opened.Finish(); err != nil {
		return err
	}

	var doc indexDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return newErr("index.load", KindCorruptFormat, err)
	}

	entryMap := make(map[string]IndexEntry, len(doc.Entries))
	for _, e := range doc.Entries {
		entryMap[e.Name] = e
	}

	vi.mu.Lock()
	vi.entries = entryMap
	vi.created = time.Unix(doc.Created, 0)
	vi.updated = time.Unix(doc.Updated, 0)
	vi.indexName = found.Name
	vi.mu.Unlock()

	_ = ctx // reserved: a future cancellable variant may check ctx between entries
	return nil
}

// Save writes the index out as a fresh blob at the vault root and
// deletes the previous one, so a crash mid-write never leaves the vault
// without a readable index (the new blob lands under a new random name
// before the old one is removed).
func (vi *VaultIndex) Save(ctx context.Context, a Adapter, password []byte, params Params) error {
	vi.mu.Lock()
	root := vi.root
	if vi.created.IsZero() {
		vi.created = time.Now()
	}
	vi.updated = time.Now()
	doc := indexDoc{
		Version: indexFormatVersion,
		Created: vi.created.Unix(),
		Updated: vi.updated.Unix(),
		Entries: make([]IndexEntry, 0, len(vi.entries)),
	}
	for _, e := range vi.entries {
		doc.Entries = append(doc.Entries, e)
	}
	oldName := vi.indexName
	vi.mu.Unlock()

	raw, err := json.Marshal(doc)
	if err != nil {
		return newErr("index.save", KindCorruptFormat, err)
	}

	newName, err := RandomIndexName()
	if err != nil {
		return err
	}

	in := Input{
		Metadata: indexMetadata(),
		File:     &SizedSection{R: nil, N: int64(len(raw))},
	}
	err = WriteBlob(a, root, newName, func(w io.Writer) error {
		in.File.R = newReaderOnce(raw)
		return Encrypt(w, password, params, in)
	})
	if err != nil {
		return err
	}

	if oldName != "" && oldName != newName {
		if err := a.Delete(root, oldName); err != nil {
			vi.log.Warn("index save: could not remove stale index blob", "name", Sanitize(oldName), "error", err)
		}
	}

	vi.mu.Lock()
	vi.indexName = newName
	vi.state = StateLoaded
	vi.mu.Unlock()
	_ = ctx
	return nil
}

// newReaderOnce adapts a byte slice to the io.Reader SizedSection
// expects without a second copy.
func newReaderOnce(b []byte) io.Reader { return &onceReader{b: b} }

type onceReader struct{ b []byte }

func (r *onceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// Add inserts or replaces an entry — e.FolderPath records where in the
// vault the blob actually lives — and schedules a debounced autosave of
// the one root-level index.
func (vi *VaultIndex) Add(e IndexEntry, a Adapter, password []byte, params Params) {
	vi.mu.Lock()
	vi.entries[e.Name] = e
	vi.state = StateDirty
	vi.mu.Unlock()
	vi.scheduleAutosave(a, password, params)
}

// Remove deletes an entry and schedules a debounced autosave.
func (vi *VaultIndex) Remove(name string, a Adapter, password []byte, params Params) {
	vi.mu.Lock()
	delete(vi.entries, name)
	vi.state = StateDirty
	vi.mu.Unlock()
	vi.scheduleAutosave(a, password, params)
}

// scheduleAutosave (re)starts a single debounce timer; repeated
// mutations within the debounce window collapse onto one Save call,
// run from a background goroutine so callers never block on it.
// Suppressed until a Load (or a completed Generate) has succeeded at
// least once, so a crash mid-scan never persists a half-built index.
func (vi *VaultIndex) scheduleAutosave(a Adapter, password []byte, params Params) {
	vi.mu.RLock()
	ready := vi.loadSucceeded
	vi.mu.RUnlock()
	if !ready {
		return
	}

	vi.saveMu.Lock()
	defer vi.saveMu.Unlock()

	if vi.saveTimer != nil {
		vi.saveTimer.Stop()
	}
	vi.saveTimer = time.AfterFunc(autosaveDebounce, func() {
		if err := vi.Save(context.Background(), a, password, params); err != nil {
			vi.log.Error("autosave failed", "error", err)
		}
	})
}

// Flush cancels any pending debounce timer and saves immediately,
// for callers (e.g. lock) that need the index durable before returning.
func (vi *VaultIndex) Flush(ctx context.Context, a Adapter, password []byte, params Params) error {
	vi.saveMu.Lock()
	if vi.saveTimer != nil {
		vi.saveTimer.Stop()
		vi.saveTimer = nil
	}
	vi.saveMu.Unlock()

	vi.mu.RLock()
	dirty := vi.state == StateDirty
	vi.mu.RUnlock()
	if !dirty {
		return nil
	}
	return vi.Save(ctx, a, password, params)
}

// Progress reports (processed, total) candidate counts during Generate.
type Progress func(processed, total int)

// joinFolderPath joins a parent folder-path and a child directory name
// the same way MemAdapter keys its own subfolders (and the way
// FSAdapter's filepath.Join behaves for a relative root): "" at the
// vault root, otherwise "parent/child".
func joinFolderPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// candidateEntry pairs a raw blob Entry with the root-relative folder
// it was found in, so Generate's recursive walk can carry folder-path
// information from discovery through to the committed IndexEntry.
type candidateEntry struct {
	entry      Entry
	folderPath string
}

// walkForCandidates recursively enumerates folderPath (rooted at
// vi.root, "" meaning the root itself), collecting every blob not
// already indexed plus the real subfolders beneath it. ctx is polled
// between directories so a cancellation during a very deep or wide tree
// does not hang a directory listing; it is re-checked per-candidate by
// the caller during the probe pass.
func (vi *VaultIndex) walkForCandidates(ctx context.Context, a Adapter, folderPath string, out *[]candidateEntry) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rawEntries, err := a.Enumerate(folderPath)
	if err != nil {
		return err
	}

	vi.mu.RLock()
	for _, re := range rawEntries {
		if re.Kind != KindFile || !IsBlobName(re.Name) {
			continue
		}
		if _, already := vi.entries[re.Name]; already {
			continue
		}
		*out = append(*out, candidateEntry{entry: re, folderPath: folderPath})
	}
	vi.mu.RUnlock()

	for _, re := range rawEntries {
		if re.Kind != KindDir {
			continue
		}
		childPath := joinFolderPath(folderPath, re.Name)
		if err := vi.walkForCandidates(ctx, a, childPath, out); err != nil {
			return err
		}
	}
	return nil
}

// Generate incrementally rebuilds the index with a two-pass recursive
// descent of the entire vault rooted at vi.root: entries already
// present are left untouched, and only new candidates are probed. The
// first pass walks every subfolder collecting candidates and their
// folder-paths; the second probes each new candidate's metadata — the
// expensive and cancellable part — committing each one as it completes
// so a cancellation partway through still keeps whatever was already
// found. ctx is polled during the walk and between every candidate
// probe; on cancellation Generate makes a best-effort Save of the
// accumulated entries and returns the count completed so far alongside
// ErrCancelled.
func (vi *VaultIndex) Generate(ctx context.Context, a Adapter, password []byte, params Params, progress Progress) (int, error) {
	vi.mu.Lock()
	vi.state = StateLoading
	root := vi.root
	vi.mu.Unlock()

	var candidates []candidateEntry
	if err := vi.walkForCandidates(ctx, a, root, &candidates); err != nil {
		vi.mu.Lock()
		vi.state = StateEmpty
		vi.mu.Unlock()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, newErr("index.generate", KindCancelled, err)
		}
		return 0, err
	}

	total := len(candidates)
	processed := 0

	// Second pass: probe each new candidate and commit incrementally.
	for _, ce := range candidates {
		select {
		case <-ctx.Done():
			vi.finishGenerate()
			if serr := vi.bestEffortSave(a, password, params); serr != nil {
				vi.log.Warn("index generate: best-effort save after cancellation failed", "error", serr)
			}
			return processed, newErr("index.generate", KindCancelled, ctx.Err())
		default:
		}

		entry, ok, err := probeEntry(a, ce.entry, ce.folderPath, password)
		if err != nil {
			vi.log.Warn("index generate: skipping unreadable blob", "name", Sanitize(ce.entry.Name), "error", err)
		} else if ok {
			vi.mu.Lock()
			vi.entries[entry.Name] = entry
			vi.mu.Unlock()
		}
		processed++
		if progress != nil {
			progress(processed, total)
		}
	}

	vi.finishGenerate()
	return processed, nil
}

func (vi *VaultIndex) finishGenerate() {
	vi.mu.Lock()
	if vi.created.IsZero() {
		vi.created = time.Now()
	}
	vi.updated = time.Now()
	vi.state = StateDirty
	vi.loadSucceeded = true
	vi.mu.Unlock()
}

func (vi *VaultIndex) bestEffortSave(a Adapter, password []byte, params Params) error {
	return vi.Save(context.Background(), a, password, params)
}

// probeEntry peeks a single blob just far enough to read its metadata
// and section presence flags, without materializing FILE/THUMBNAIL
// payloads into memory, and stamps folderPath (the blob's location
// relative to the vault root) onto the resulting entry.
func probeEntry(a Adapter, e Entry, folderPath string, password []byte) (IndexEntry, bool, error) {
	r, err := a.OpenRead(e)
	if err != nil {
		return IndexEntry{}, false, err
	}
	defer r.Close()

	peeked, err := PeekMetadata(r, password)
	if err != nil {
		return IndexEntry{}, false, err
	}
	if peeked.Metadata.IsIndex() {
		return IndexEntry{}, false, nil
	}

	return IndexEntry{
		Name:         e.Name,
		OriginalName: peeked.Metadata.OriginalName,
		FileType:     peeked.Metadata.FileType,
		FolderPath:   folderPath,
		Size:         e.Size,
		ModTime:      e.ModTime,
		HasThumbnail: peeked.Metadata.Sections.Thumbnail,
		HasNote:      peeked.Metadata.Sections.Note,
	}, true, nil
}
