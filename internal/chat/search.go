package chat

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/metrics"
)

// DefaultDebounce is the quiet period before a typed query is searched.
const DefaultDebounce = 500 * time.Millisecond

var (
	matrixUserIDPattern = regexp.MustCompile(`^@[a-z0-9._=\-/+]+:[^\s:]+(:[0-9]+)?$`)

	fediUserPrefixes = []string{"fedi:user:", "fedi://user/"}

	errNotFediUserURI = errors.New("chat: not a fedi user uri")
)

// IsValidMatrixUserID reports whether s is a fully qualified matrix user id.
func IsValidMatrixUserID(s string) bool {
	return matrixUserIDPattern.MatchString(s)
}

// DecodeFediUserURI extracts the matrix user id from a fedi user link.
func DecodeFediUserURI(s string) (string, error) {
	lower := strings.ToLower(s)
	for _, p := range fediUserPrefixes {
		if strings.HasPrefix(lower, p) {
			id := s[len(p):]
			if IsValidMatrixUserID(id) {
				return id, nil
			}
		}
	}
	return "", errNotFediUserURI
}

// SearchResult is the outcome of one user search.
type SearchResult struct {
	Query      string              `json:"query"`
	Users      []bridge.MatrixUser `json:"users"`
	ExactMatch bool                `json:"exactMatch"`
}

// Searcher finds chat users by id, link or display name.
type Searcher struct {
	bridge Bridge
}

// NewSearcher creates a user searcher.
func NewSearcher(b Bridge) *Searcher {
	return &Searcher{bridge: b}
}

// ExactMatch resolves a query that is a matrix id or fedi user link
// without a directory lookup.
func (s *Searcher) ExactMatch(query string) (SearchResult, bool) {
	id := ""
	if IsValidMatrixUserID(query) {
		id = query
	} else if decoded, err := DecodeFediUserURI(query); err == nil {
		id = decoded
	}
	if id == "" {
		return SearchResult{}, false
	}
	return SearchResult{
		Query:      query,
		Users:      []bridge.MatrixUser{{ID: id, DisplayName: MatrixIDToUsername(id)}},
		ExactMatch: true,
	}, true
}

// Search looks query up in the user directory. Only users whose display
// name equals the query are returned, which keeps members of public groups
// out of the results.
func (s *Searcher) Search(ctx context.Context, query string) (res SearchResult, err error) {
	if query == "" {
		return SearchResult{Users: []bridge.MatrixUser{}}, nil
	}
	if exact, ok := s.ExactMatch(query); ok {
		metrics.ChatSearchesTotal.WithLabelValues("exact").Inc()
		return exact, nil
	}

	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ChatSearchesTotal.WithLabelValues(result).Inc()
	}()

	found, err := s.bridge.MatrixSearchUserDirectory(ctx, query)
	if err != nil {
		return SearchResult{}, err
	}
	users := make([]bridge.MatrixUser, 0, len(found.Results))
	for _, u := range found.Results {
		if u.DisplayName == query {
			users = append(users, u)
		}
	}
	return SearchResult{Query: query, Users: users}, nil
}

// Outcome is a search result delivered by a Debouncer.
type Outcome struct {
	Seq    uint64       `json:"seq"`
	Result SearchResult `json:"result"`
	Err    error        `json:"-"`
}

// Debouncer delays searches until the query stops changing and delivers
// only the result of the latest query. Each Submit takes a sequence number;
// a response that comes back after a newer Submit is dropped.
type Debouncer struct {
	searcher *Searcher
	delay    time.Duration
	deliver  func(Outcome)
	logger   *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	seq    uint64
	timer  *time.Timer
	closed bool
}

// NewDebouncer creates a debouncer delivering outcomes to deliver. Searches
// run under ctx; cancel it or call Close to stop.
func NewDebouncer(ctx context.Context, searcher *Searcher, delay time.Duration, deliver func(Outcome), logger *slog.Logger) *Debouncer {
	return &Debouncer{
		searcher: searcher,
		delay:    delay,
		deliver:  deliver,
		logger:   logger,
		ctx:      ctx,
	}
}

// Submit records a new query and returns its sequence number. Empty
// queries and exact matches are delivered immediately.
func (d *Debouncer) Submit(query string) uint64 {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0
	}
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	if query == "" {
		d.mu.Unlock()
		d.deliver(Outcome{Seq: seq, Result: SearchResult{Users: []bridge.MatrixUser{}}})
		return seq
	}
	if exact, ok := d.searcher.ExactMatch(query); ok {
		d.mu.Unlock()
		d.deliver(Outcome{Seq: seq, Result: exact})
		return seq
	}

	d.timer = time.AfterFunc(d.delay, func() { d.search(seq, query) })
	d.mu.Unlock()
	return seq
}

// Close stops any pending search. Results still in flight are dropped.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
	}
}

func (d *Debouncer) search(seq uint64, query string) {
	if !d.current(seq) {
		return
	}
	res, err := d.searcher.Search(d.ctx, query)
	if !d.current(seq) {
		d.logger.Debug("dropping stale search result", "query", query, "seq", seq)
		metrics.ChatSearchesTotal.WithLabelValues("stale").Inc()
		return
	}
	d.deliver(Outcome{Seq: seq, Result: res, Err: err})
}

func (d *Debouncer) current(seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return seq == d.seq && !d.closed
}
