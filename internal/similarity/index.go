// Package similarity implements the TF-IDF + Jaccard hybrid searcher that
// backs episodic recall (spec §4.6), grounded field-for-field in
// memory/search/similarity.py's TaskSimilarity.
package similarity

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	textWeight  = 0.6
	tagWeight   = 0.4
	minTokenLen = 2

	// DefaultMaxCorpus and DefaultMaxAgeDays are the bounds a zero-value
	// NewIndex() call gets (spec §4.6 "Bounds"). Either can be overridden
	// with WithMaxCorpus/WithMaxAgeDays; 0 means unbounded on that axis.
	DefaultMaxCorpus  = 10000
	DefaultMaxAgeDays = 90
)

var tokenPattern = regexp.MustCompile(`\b[a-z][a-z0-9_-]*\b`)

// stopWords mirrors similarity.py's STOP_WORDS: common English function
// words excluded from the token stream so they don't dominate TF vectors.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"that": true, "the": true, "to": true, "was": true, "will": true, "with": true,
	"this": true, "but": true, "they": true, "have": true, "had": true, "what": true,
	"when": true, "where": true, "who": true, "which": true, "or": true, "not": true,
	"we": true, "you": true, "i": true, "can": true, "do": true, "does": true,
	"about": true, "into": true, "than": true, "then": true, "there": true,
}

// Tokenize lowercases, extracts word-like tokens, and drops stop words and
// tokens shorter than minTokenLen — exactly similarity.py's tokenize.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := tokenPattern.FindAllString(lower, -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if len(tok) < minTokenLen || stopWords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// computeTF is sublinear term frequency: 1 + log(count).
func computeTF(tokens []string) map[string]float64 {
	counts := make(map[string]int)
	for _, t := range tokens {
		counts[t]++
	}
	tf := make(map[string]float64, len(counts))
	for term, c := range counts {
		tf[term] = 1 + math.Log(float64(c))
	}
	return tf
}

type document struct {
	id        string
	tf        map[string]float64
	tags      map[string]bool
	createdAt time.Time
}

// Index is the corpus: raw TF vectors plus document frequencies. TF-IDF
// vectors are computed lazily at query time (similarity.py's add_document
// stores only TF, never IDF, since corpus-wide df changes on every insert).
type Index struct {
	mu         sync.RWMutex
	docs       map[string]*document
	docFreq    map[string]int
	docCount   int
	maxCorpus  int
	maxAgeDays int
}

// IndexOption configures bounds on a new Index.
type IndexOption func(*Index)

// WithMaxCorpus caps the corpus at n documents, oldest evicted first on
// overflow. 0 means unbounded.
func WithMaxCorpus(n int) IndexOption { return func(idx *Index) { idx.maxCorpus = n } }

// WithMaxAgeDays evicts any document older than n days on the next insert.
// 0 means unbounded.
func WithMaxAgeDays(n int) IndexOption { return func(idx *Index) { idx.maxAgeDays = n } }

func NewIndex(opts ...IndexOption) *Index {
	idx := &Index{
		docs:       make(map[string]*document),
		docFreq:    make(map[string]int),
		maxCorpus:  DefaultMaxCorpus,
		maxAgeDays: DefaultMaxAgeDays,
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// AddDocument indexes text and its tags under id. Calling again with the
// same id first removes the previous entry so document frequency stays
// accurate. After inserting, bounds are enforced (spec §4.6 "Bounds"):
// documents older than maxAgeDays are evicted, then the oldest documents
// are evicted until the corpus is at or under maxCorpus.
func (idx *Index) AddDocument(id, text string, tags []string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)

	tokens := Tokenize(text)
	tf := computeTF(tokens)
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[t] = true
	}
	idx.docs[id] = &document{id: id, tf: tf, tags: tagSet, createdAt: time.Now()}
	idx.docCount++
	for term := range tf {
		idx.docFreq[term]++
	}

	idx.evictExpiredLocked()
	idx.evictOverflowLocked()
}

// evictExpiredLocked removes every document older than maxAgeDays.
func (idx *Index) evictExpiredLocked() {
	if idx.maxAgeDays <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(idx.maxAgeDays) * 24 * time.Hour)
	for id, doc := range idx.docs {
		if doc.createdAt.Before(cutoff) {
			idx.removeLocked(id)
		}
	}
}

// evictOverflowLocked removes the oldest documents (ties broken by ascending
// id) until the corpus is at or under maxCorpus.
func (idx *Index) evictOverflowLocked() {
	if idx.maxCorpus <= 0 {
		return
	}
	for idx.docCount > idx.maxCorpus {
		var oldestID string
		var oldest *document
		for id, doc := range idx.docs {
			if oldest == nil || doc.createdAt.Before(oldest.createdAt) ||
				(doc.createdAt.Equal(oldest.createdAt) && id < oldestID) {
				oldest, oldestID = doc, id
			}
		}
		if oldest == nil {
			return
		}
		idx.removeLocked(oldestID)
	}
}

// RemoveDocument evicts id from the corpus, decrementing document
// frequency for its terms.
func (idx *Index) RemoveDocument(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
}

func (idx *Index) removeLocked(id string) {
	doc, ok := idx.docs[id]
	if !ok {
		return
	}
	for term := range doc.tf {
		idx.docFreq[term]--
		if idx.docFreq[term] <= 0 {
			delete(idx.docFreq, term)
		}
	}
	delete(idx.docs, id)
	idx.docCount--
}

func (idx *Index) idf(term string) float64 {
	df := idx.docFreq[term]
	if df == 0 || idx.docCount == 0 {
		return 0
	}
	return math.Log(float64(idx.docCount) / float64(df))
}

func (idx *Index) tfidfLocked(tf map[string]float64) map[string]float64 {
	vec := make(map[string]float64, len(tf))
	for term, freq := range tf {
		vec[term] = freq * idx.idf(term)
	}
	return vec
}

// cosineSimilarity is computed over common terms only; zero if either
// vector is empty or either magnitude is zero.
func cosineSimilarity(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for term, av := range a {
		magA += av * av
		if bv, ok := b[term]; ok {
			dot += av * bv
		}
	}
	for _, bv := range b {
		magB += bv * bv
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter, union := 0, 0
	seen := make(map[string]bool, len(a)+len(b))
	for t := range a {
		seen[t] = true
	}
	for t := range b {
		seen[t] = true
	}
	union = len(seen)
	for t := range a {
		if b[t] {
			inter++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Result is one scored hit from FindSimilar.
type Result struct {
	ID    string
	Score float64

	createdAt time.Time
}

// FindSimilar scores the query text/tags against every indexed document
// using combined score = 0.6*cosine + 0.4*jaccard, filters by minScore,
// excludes ids in exclude, and returns the top `limit` sorted descending
// (similarity.py's find_similar, verbatim).
func (idx *Index) FindSimilar(text string, tags []string, limit int, minScore float64, exclude map[string]bool) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	queryTF := computeTF(Tokenize(text))
	queryVec := idx.tfidfLocked(queryTF)
	queryTags := make(map[string]bool, len(tags))
	for _, t := range tags {
		queryTags[t] = true
	}

	results := make([]Result, 0, len(idx.docs))
	for id, doc := range idx.docs {
		if exclude != nil && exclude[id] {
			continue
		}
		docVec := idx.tfidfLocked(doc.tf)
		score := textWeight*cosineSimilarity(queryVec, docVec) + tagWeight*jaccardSimilarity(queryTags, doc.tags)
		if score >= minScore {
			results = append(results, Result{ID: id, Score: score, createdAt: doc.createdAt})
		}
	}

	// Ties broken by descending creation time, then ascending id (spec §4.6).
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].createdAt.Equal(results[j].createdAt) {
			return results[i].createdAt.After(results[j].createdAt)
		}
		return results[i].ID < results[j].ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.docCount
}

func (idx *Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.docs = make(map[string]*document)
	idx.docFreq = make(map[string]int)
	idx.docCount = 0
}
