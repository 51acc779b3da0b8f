// Package addressbook implements the persistent alias→JID address book:
// validation, fuzzy query, roster synchronization with conflict
// resolution, and atomic on-disk persistence.
package addressbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/junegunn/fzf/src/util"
	"golang.org/x/sync/singleflight"
)

// Origin marks how an entry entered the address book.
type Origin string

const (
	OriginManual     Origin = "manual"
	OriginRosterAuto Origin = "roster-auto"
)

const (
	minAliasLength = 1
	maxAliasLength = 50
	maxJIDLength   = 200

	// ambiguityMargin: candidates within this many points of the top
	// score are considered tied for Resolve's Ambiguous result (§4.B).
	ambiguityMargin = 5

	fileVersion = 1
)

var (
	aliasPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	jidPattern   = regexp.MustCompile(`^[^@\s]+@[^@\s/]+(/[^\s]*)?$`)

	slugCollapse = regexp.MustCompile(`-+`)
	slugStrip    = regexp.MustCompile(`[^a-z0-9._-]+`)
)

// ErrNotFound is returned by Resolve when no candidate matches.
var ErrNotFound = errors.New("addressbook: alias not found")

// AmbiguousError is returned by Resolve when two or more candidates tie
// for the top fuzzy score within ambiguityMargin points.
type AmbiguousError struct {
	Candidates []Match
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("addressbook: alias is ambiguous among %d candidates", len(e.Candidates))
}

// InvalidArgumentError reports a failed alias/JID validation.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return "invalid argument " + e.Field + ": " + e.Reason
}

// Entry is a single alias→JID mapping.
type Entry struct {
	Alias  string `json:"alias"`
	JID    string `json:"jid"`
	Origin Origin `json:"origin"`
}

// Match is a query/resolve result with its fuzzy score.
type Match struct {
	Alias string `json:"alias"`
	JID   string `json:"jid"`
	Score int    `json:"score"`
}

// RosterEntry describes one incoming roster item.
type RosterEntry struct {
	JID         string
	DisplayName string
}

// SyncResult tallies the outcome of a roster synchronization pass.
type SyncResult struct {
	Added   int
	Skipped int
	Errors  int
}

type fileFormat struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// AddressBook is a concurrency-safe, persistent alias↔JID map. The zero
// value is not usable; construct with Load.
type AddressBook struct {
	log  *slog.Logger
	path string

	mu      sync.RWMutex
	byAlias map[string]Entry

	saveGroup singleflight.Group
	dirtyMu   sync.Mutex
	dirty     bool
	saving    bool

	slab *util.Slab
}

// Load constructs an AddressBook backed by path, reading any existing
// contents. On a missing or corrupt file it starts empty and logs a
// warning rather than failing.
func Load(path string, log *slog.Logger) *AddressBook {
	if log == nil {
		log = slog.Default()
	}

	ab := &AddressBook{
		log:     log,
		path:    path,
		byAlias: make(map[string]Entry),
		slab:    util.MakeSlab(100*1024, 2048),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("addressbook.load.missing", "path", path)
		} else {
			log.Warn("addressbook.load.failed", "path", path, "err", err)
		}
		return ab
	}

	var doc fileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn("addressbook.load.corrupt", "path", path, "err", err)
		return ab
	}

	for _, e := range doc.Entries {
		alias := strings.ToLower(e.Alias)
		ab.byAlias[alias] = Entry{Alias: alias, JID: e.JID, Origin: e.Origin}
	}
	log.Info("addressbook.loaded", "path", path, "count", len(ab.byAlias))
	return ab
}

// SaveOutcome distinguishes a save that changed a mapping from a no-op.
type SaveOutcome string

const (
	SaveUpdated   SaveOutcome = "updated"
	SaveUnchanged SaveOutcome = "unchanged"
)

func validateAlias(alias string) error {
	if len(alias) < minAliasLength || len(alias) > maxAliasLength {
		return &InvalidArgumentError{Field: "alias", Reason: fmt.Sprintf("length must be 1-%d", maxAliasLength)}
	}
	if !aliasPattern.MatchString(alias) {
		return &InvalidArgumentError{Field: "alias", Reason: "must match [a-z0-9][a-z0-9._-]*"}
	}
	return nil
}

func validateJID(jid string) error {
	if len(jid) < 1 || len(jid) > maxJIDLength {
		return &InvalidArgumentError{Field: "jid", Reason: fmt.Sprintf("length must be 1-%d", maxJIDLength)}
	}
	if !jidPattern.MatchString(jid) {
		return &InvalidArgumentError{Field: "jid", Reason: "must match localpart@domain[/resource]"}
	}
	return nil
}

// ValidateJID reports whether jid matches the localpart@domain[/resource]
// grammar accepted by Save. Exported so callers outside this package (the
// tool dispatcher's direct-JID send path) can reject malformed recipients
// with the same rule used for saved aliases.
func ValidateJID(jid string) error {
	return validateJID(jid)
}

// Save validates and stores alias→jid, canonicalizing the alias to
// lower-case, and schedules a debounced persist.
func (ab *AddressBook) Save(ctx context.Context, alias, jid string) (SaveOutcome, error) {
	canonical := strings.ToLower(strings.TrimSpace(alias))
	if err := validateAlias(canonical); err != nil {
		return "", err
	}
	if err := validateJID(jid); err != nil {
		return "", err
	}

	ab.mu.Lock()
	existing, existed := ab.byAlias[canonical]
	unchanged := existed && existing.JID == jid && existing.Origin == OriginManual
	ab.byAlias[canonical] = Entry{Alias: canonical, JID: jid, Origin: OriginManual}
	ab.mu.Unlock()

	ab.schedulePersist(ctx)

	if unchanged {
		return SaveUnchanged, nil
	}
	return SaveUpdated, nil
}

// RemoveOutcome reports whether Remove actually deleted a mapping.
type RemoveOutcome string

const (
	RemoveRemoved RemoveOutcome = "removed"
	RemoveAbsent  RemoveOutcome = "absent"
)

// Remove deletes alias if present.
func (ab *AddressBook) Remove(ctx context.Context, alias string) RemoveOutcome {
	canonical := strings.ToLower(strings.TrimSpace(alias))

	ab.mu.Lock()
	_, existed := ab.byAlias[canonical]
	delete(ab.byAlias, canonical)
	ab.mu.Unlock()

	if !existed {
		return RemoveAbsent
	}
	ab.schedulePersist(ctx)
	return RemoveRemoved
}

// List returns every entry, sorted alphabetically by alias.
func (ab *AddressBook) List() []Entry {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	out := make([]Entry, 0, len(ab.byAlias))
	for _, e := range ab.byAlias {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Query performs a fuzzy ranked search over aliases and JIDs. An empty
// term returns no results. Results are ordered by descending
// score, ties broken alphabetically by alias, and truncated to limit
// (0 means unlimited).
func (ab *AddressBook) Query(term string, limit int) []Match {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil
	}

	ab.mu.RLock()
	entries := make([]Entry, 0, len(ab.byAlias))
	for _, e := range ab.byAlias {
		entries = append(entries, e)
	}
	ab.mu.RUnlock()

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		score := fuzzyScore(e.Alias, term, ab.slab)
		if jidScore := fuzzyScore(e.JID, term, ab.slab); jidScore > score {
			// JID substring/exact matches are capped below what the same
			// match strength would score on an alias (50 vs 75/100).
			if jidScore >= 75 {
				jidScore = 50
			}
			if jidScore > score {
				score = jidScore
			}
		}
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Alias: e.Alias, JID: e.JID, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Alias < matches[j].Alias
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// Resolve returns the JID exactly bound to alias, or the best fuzzy match
// if no exact binding exists. Two or more candidates within
// ambiguityMargin points of the top score yield *AmbiguousError.
func (ab *AddressBook) Resolve(alias string) (string, error) {
	canonical := strings.ToLower(strings.TrimSpace(alias))

	ab.mu.RLock()
	exact, ok := ab.byAlias[canonical]
	ab.mu.RUnlock()
	if ok {
		return exact.JID, nil
	}

	matches := ab.Query(alias, 0)
	if len(matches) == 0 {
		return "", ErrNotFound
	}

	top := matches[0].Score
	var tied []Match
	for _, m := range matches {
		if top-m.Score <= ambiguityMargin {
			tied = append(tied, m)
		}
	}
	if len(tied) >= 2 {
		return "", &AmbiguousError{Candidates: tied}
	}
	return matches[0].JID, nil
}

// slugify turns display into a lower-case alias candidate: strip to
// [a-z0-9._-], collapse runs of '-', trim.
func slugify(display string) string {
	lower := strings.ToLower(strings.TrimSpace(display))
	lower = strings.ReplaceAll(lower, " ", "-")
	lower = slugStrip.ReplaceAllString(lower, "-")
	lower = slugCollapse.ReplaceAllString(lower, "-")
	return strings.Trim(lower, "-")
}

func localpart(jid string) string {
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i]
	}
	return jid
}

func domainOf(jid string) string {
	rest := jid
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		rest = rest[i+1:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// SyncRoster reconciles roster entries into the address book following a
// five-step procedure: skip same-JID entries, fall back to a
// domain-suffixed alias on a manual-entry collision, overwrite on a
// roster-auto collision, validate, then save. Roster-auto entries never
// overwrite manual ones.
func (ab *AddressBook) SyncRoster(ctx context.Context, entries []RosterEntry) SyncResult {
	var result SyncResult

	for _, entry := range entries {
		candidate := slugify(entry.DisplayName)
		if candidate == "" {
			candidate = slugify(localpart(entry.JID))
		}
		if candidate == "" {
			result.Errors++
			continue
		}

		if err := ab.applyRosterCandidate(ctx, candidate, entry.JID, &result); err != nil {
			result.Errors++
		}
	}

	return result
}

func (ab *AddressBook) applyRosterCandidate(ctx context.Context, candidate, jid string, result *SyncResult) error {
	ab.mu.Lock()
	existing, existed := ab.byAlias[candidate]
	ab.mu.Unlock()

	if existed {
		if existing.JID == jid {
			result.Skipped++
			return nil
		}
		if existing.Origin == OriginManual {
			// Step 3: manual entries never lose their alias; retry once
			// with a domain-qualified fallback.
			fallback := candidate + "-" + strings.ToLower(domainOf(jid))
			if err := validateAlias(fallback); err != nil {
				return err
			}
			if err := validateJID(jid); err != nil {
				return err
			}
			ab.mu.Lock()
			fbExisting, fbExisted := ab.byAlias[fallback]
			if fbExisted && fbExisting.JID == jid {
				ab.mu.Unlock()
				result.Skipped++
				return nil
			}
			if fbExisted && fbExisting.Origin == OriginManual {
				ab.mu.Unlock()
				return errors.New("addressbook: fallback alias also manually bound")
			}
			ab.byAlias[fallback] = Entry{Alias: fallback, JID: jid, Origin: OriginRosterAuto}
			ab.mu.Unlock()
			ab.schedulePersist(ctx)
			result.Added++
			return nil
		}
		// Step 4: roster-auto collision, overwrite since the existing
		// alias is itself roster-auto.
	}

	if err := validateAlias(candidate); err != nil {
		return err
	}
	if err := validateJID(jid); err != nil {
		return err
	}

	ab.mu.Lock()
	ab.byAlias[candidate] = Entry{Alias: candidate, JID: jid, Origin: OriginRosterAuto}
	ab.mu.Unlock()
	ab.schedulePersist(ctx)
	result.Added++
	return nil
}

// SyncRosterIncremental applies an incremental roster push/pop: added
// entries follow the same conflict rules as SyncRoster; removed JIDs
// drop any roster-auto alias bound to them (manual aliases survive a
// contact leaving the roster).
func (ab *AddressBook) SyncRosterIncremental(ctx context.Context, added []RosterEntry, removedJIDs []string) SyncResult {
	result := ab.SyncRoster(ctx, added)

	removedSet := make(map[string]struct{}, len(removedJIDs))
	for _, jid := range removedJIDs {
		removedSet[jid] = struct{}{}
	}

	ab.mu.Lock()
	for alias, e := range ab.byAlias {
		if e.Origin != OriginRosterAuto {
			continue
		}
		if _, gone := removedSet[e.JID]; gone {
			delete(ab.byAlias, alias)
		}
	}
	ab.mu.Unlock()

	if len(removedSet) > 0 {
		ab.schedulePersist(ctx)
	}
	return result
}

// schedulePersist implements the design notes' trailing-edge write
// scheduler: at most one save is in flight; a mutation that lands while a
// save is running sets a dirty flag consumed by that save's completion,
// coalescing bursts of writes into a single extra disk round trip.
func (ab *AddressBook) schedulePersist(ctx context.Context) {
	ab.dirtyMu.Lock()
	if ab.saving {
		ab.dirty = true
		ab.dirtyMu.Unlock()
		return
	}
	ab.saving = true
	ab.dirtyMu.Unlock()

	go ab.persistLoop(ctx)
}

func (ab *AddressBook) persistLoop(ctx context.Context) {
	for {
		_, err, _ := ab.saveGroup.Do("persist", func() (any, error) {
			return nil, ab.persistNow()
		})
		if err != nil {
			ab.log.Warn("addressbook.persist.failed", "path", ab.path, "err", err)
		}

		ab.dirtyMu.Lock()
		if !ab.dirty {
			ab.saving = false
			ab.dirtyMu.Unlock()
			return
		}
		ab.dirty = false
		ab.dirtyMu.Unlock()
	}
}

// persistNow writes the current state atomically via a temp-file-and-rename:
// write to a sibling temp file, close, then rename over the target.
func (ab *AddressBook) persistNow() error {
	ab.mu.RLock()
	doc := fileFormat{Version: fileVersion, Entries: make([]Entry, 0, len(ab.byAlias))}
	for _, e := range ab.byAlias {
		doc.Entries = append(doc.Entries, e)
	}
	ab.mu.RUnlock()

	sort.Slice(doc.Entries, func(i, j int) bool { return doc.Entries[i].Alias < doc.Entries[j].Alias })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal address book: %w", err)
	}

	dir := filepath.Dir(ab.path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create address book directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "address_book-*.json")
	if err != nil {
		return fmt.Errorf("create temp address book file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write address book: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp address book file: %w", err)
	}
	if err := os.Rename(tmpPath, ab.path); err != nil {
		return fmt.Errorf("rename address book into place: %w", err)
	}

	success = true
	return nil
}

// Flush blocks until any in-flight or pending save completes, then
// performs one final synchronous save. Called on graceful shutdown.
func (ab *AddressBook) Flush() error {
	for {
		ab.dirtyMu.Lock()
		inFlight := ab.saving
		ab.dirtyMu.Unlock()
		if !inFlight {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return ab.persistNow()
}
