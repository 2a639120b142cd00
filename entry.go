package diskcache

// Entry is a single cached record: key, value bytes, optional external file
// name, size, the two timestamps, and optional extended data.
//
// FileName is empty when Value is stored inline in the manifest. Size always
// equals len(Value) at the time the entry was last saved, regardless of
// which medium holds the bytes.
type Entry struct {
	Key          string
	Value        []byte
	FileName     string
	Size         int64
	ModTime      int64
	AccessTime   int64
	ExtendedData []byte
}

// Inline reports whether the entry's bytes live in the manifest rather than
// an external Blob File.
func (e *Entry) Inline() bool { return e.FileName == "" }
