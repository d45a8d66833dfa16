package activity

// ListOptions provides filtering options for listing activity.
type ListOptions struct {
	Account      string
	Target       string
	Kind         *Kind
	UnsyncedOnly bool
	Limit        int
	Offset       int
}
