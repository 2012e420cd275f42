package vault

import "encoding/json"

// FileType classifies the plaintext payload a blob carries. Values
// 5 and above are reserved for future use and round-trip opaquely.
type FileType int

const (
	FileTypeDirectory FileType = 0
	FileTypeImage     FileType = 1
	FileTypeGIF       FileType = 2
	FileTypeVideo     FileType = 3
	FileTypeText      FileType = 4
)

// indexContentType is the sentinel contentType value that marks a
// blob as the vault index rather than a user payload.
const indexContentType = "INDEX"

// SectionPresence mirrors the plaintext stream's actual section
// layout; a presence flag that disagrees with the real stream is
// treated as CorruptFormat (see blob.go).
type SectionPresence struct {
	File      bool `json:"FILE"`
	Thumbnail bool `json:"THUMBNAIL"`
	Note      bool `json:"NOTE"`
}

// Metadata is the JSON object framed between the two 0x0A bytes at the
// front of the plaintext section stream. Unknown keys are
// ignored on read, which encoding/json already does for struct
// targets.
type Metadata struct {
	OriginalName string          `json:"originalName"`
	FileType     FileType        `json:"fileType"`
	ContentType  string          `json:"contentType,omitempty"`
	Sections     SectionPresence `json:"sections"`
}

// IsIndex reports whether this metadata describes the vault index
// blob rather than a user payload.
func (m Metadata) IsIndex() bool { return m.ContentType == indexContentType }

func (m Metadata) marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, newErr("metadata.marshal", KindCorruptFormat, err)
	}
	return b, nil
}

func parseMetadata(b []byte) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(b, &m); err != nil {
		return Metadata{}, newErr("metadata.parse", KindCorruptFormat, err)
	}
	return m, nil
}

// indexMetadata builds the fixed metadata for an index blob.
func indexMetadata() Metadata {
	return Metadata{
		ContentType: indexContentType,
		FileType:    FileTypeText,
		Sections:    SectionPresence{File: true},
	}
}
