package shared

// Page clamps limit/offset values for paginated listings.
type Page struct {
	Limit  int
	Offset int
}

// NewPage normalises raw limit/offset inputs.
func NewPage(limit, offset int) Page {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return Page{Limit: limit, Offset: offset}
}
