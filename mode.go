package diskcache

// Mode selects how the storage engine places entry bytes between the
// manifest and external blob files. It is fixed at construction time and
// never changes for the lifetime of a cache directory.
type Mode int

const (
	// ModeFile stores every entry's bytes in a Blob File; inline_data is
	// always empty. save fails if no file name is supplied.
	ModeFile Mode = iota
	// ModeSQL stores every entry's bytes inline; no Blob Files are ever
	// created, regardless of what file name (if any) the caller supplies.
	ModeSQL
	// ModeMix chooses per write: inline when the caller passes no file
	// name, external when it does.
	ModeMix
)

// String returns the mode's name, used in log lines and error messages.
func (m Mode) String() string {
	switch m {
	case ModeFile:
		return "file"
	case ModeSQL:
		return "sql"
	case ModeMix:
		return "mix"
	default:
		return "unknown"
	}
}
