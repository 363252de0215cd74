package failure

// TargetType distinguishes what class of item a failure was recorded against.
type TargetType string

const (
	// TargetFile is a plain file copied into a snapshot.
	TargetFile TargetType = "file"

	// TargetDatabase is a database dump artifact.
	TargetDatabase TargetType = "database"
)

// Record is one per-item failure captured during a run. Records are appended
// by the run that produced them and never mutated afterwards.
type Record struct {
	// Target is what kind of item failed: file or database.
	Target TargetType `json:"target"`

	// Path is the source path of the failed item.
	Path string `json:"path"`

	// Kind is the classified error category.
	Kind Kind `json:"kind"`

	// Message is the underlying error text, for the run log.
	Message string `json:"message"`

	// Hint is the remediation suggestion for Kind.
	Hint string `json:"hint"`

	// Retries is how many attempts were made before giving up.
	Retries int `json:"retries"`
}

// NewRecord builds a Record for a classified error.
func NewRecord(target TargetType, path string, kind Kind, err error, retries int) Record {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Record{
		Target:  target,
		Path:    path,
		Kind:    kind,
		Message: msg,
		Hint:    Hint(kind),
		Retries: retries,
	}
}
