package directive

import "strings"

// SearchToken is the in-band marker the generation backend emits to request a search.
const SearchToken = "[SEARCH]"

type Kind int

const (
	None Kind = iota
	Search
)

func (k Kind) String() string {
	switch k {
	case Search:
		return "search"
	default:
		return "none"
	}
}

// Result is the outcome of scanning a reply. Query is set only for Search.
type Result struct {
	Kind  Kind
	Query string
}

// Parse looks for the first SearchToken in reply and takes the rest of that
// line, trimmed, as the query. A token with nothing after it is not a directive.
func Parse(reply string) Result {
	idx := strings.Index(reply, SearchToken)
	if idx < 0 {
		return Result{Kind: None}
	}

	rest := reply[idx+len(SearchToken):]
	if nl := strings.IndexAny(rest, "\r\n"); nl >= 0 {
		rest = rest[:nl]
	}
	query := strings.TrimSpace(rest)
	if query == "" {
		return Result{Kind: None}
	}
	return Result{Kind: Search, Query: query}
}
