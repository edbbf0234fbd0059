package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quiz-room-engine/internal/domain"
)

// QuestionLoader fetches the questions of a category from a backing store.
type QuestionLoader interface {
	LoadQuestions(ctx context.Context, category string) ([]domain.QuestionItem, error)
}

// QuestionBank caches categories with a jittered TTL and draws random question sets from them.
type QuestionBank struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedCategory
}

type cachedCategory struct {
	items     []domain.QuestionItem
	expiresAt time.Time
}

func NewQuestionBank(loader QuestionLoader, ttl time.Duration) *QuestionBank {
	return &QuestionBank{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedCategory),
	}
}

// Draw returns up to n questions of the category in random order.
func (b *QuestionBank) Draw(ctx context.Context, category string, n int) ([]domain.QuestionItem, error) {
	items, err := b.category(ctx, category)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no questions in category %q", domain.ErrInvalidRequest, category)
	}

	b.mu.Lock()
	order := b.rnd.Perm(len(items))
	b.mu.Unlock()

	if n <= 0 || n > len(items) {
		n = len(items)
	}
	out := make([]domain.QuestionItem, 0, n)
	for _, i := range order[:n] {
		out = append(out, items[i])
	}
	return out, nil
}

func (b *QuestionBank) category(ctx context.Context, category string) ([]domain.QuestionItem, error) {
	now := b.clock()

	b.mu.RLock()
	if entry, ok := b.cache[category]; ok && entry.expiresAt.After(now) {
		b.mu.RUnlock()
		return entry.items, nil
	}
	b.mu.RUnlock()

	result, err, _ := b.sf.Do(category, func() (interface{}, error) {
		b.mu.RLock()
		if entry, ok := b.cache[category]; ok && entry.expiresAt.After(now) {
			b.mu.RUnlock()
			return entry.items, nil
		}
		b.mu.RUnlock()

		items, err := b.loader.LoadQuestions(ctx, category)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.cache[category] = cachedCategory{items: items, expiresAt: now.Add(b.ttlWithJitter())}
		b.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.QuestionItem), nil
}

// caller holds no lock
func (b *QuestionBank) ttlWithJitter() time.Duration {
	if b.ttl <= 0 {
		return 0
	}
	// up to 10% jitter spreads reloads
	jitterMax := int64(b.ttl) / 10
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ttl + time.Duration(b.rnd.Int63n(jitterMax+1))
}

// StaticQuestionLoader serves categories from a map (tests, demos, the embedded backend).
type StaticQuestionLoader struct {
	categories map[string][]domain.QuestionItem
}

func NewStaticQuestionLoader(categories map[string][]domain.QuestionItem) *StaticQuestionLoader {
	return &StaticQuestionLoader{categories: categories}
}

func (l *StaticQuestionLoader) LoadQuestions(_ context.Context, category string) ([]domain.QuestionItem, error) {
	if items, ok := l.categories[category]; ok {
		return items, nil
	}
	return nil, fmt.Errorf("%w: unknown category %q", domain.ErrInvalidRequest, category)
}

// SampleQuestions is a small general-knowledge set used when no database is configured.
func SampleQuestions() map[string][]domain.QuestionItem {
	return map[string][]domain.QuestionItem{
		"general": {
			{Text: "What is 2 + 2?", Options: []string{"3", "4", "5", "22"}, Correct: 1},
			{Text: "Which planet is known as the Red Planet?", Options: []string{"Venus", "Jupiter", "Mars", "Saturn"}, Correct: 2},
			{Text: "What is the capital of Japan?", Options: []string{"Tokyo", "Kyoto", "Osaka", "Seoul"}, Correct: 0},
			{Text: "How many continents are there?", Options: []string{"5", "6", "7", "8"}, Correct: 2},
			{Text: "Which gas do plants absorb from the air?", Options: []string{"Oxygen", "Nitrogen", "Helium", "Carbon dioxide"}, Correct: 3},
			{Text: "What is the largest ocean on Earth?", Options: []string{"Pacific", "Atlantic", "Indian", "Arctic"}, Correct: 0},
			{Text: "Who wrote Romeo and Juliet?", Options: []string{"Dickens", "Shakespeare", "Austen", "Tolstoy"}, Correct: 1},
			{Text: "How many sides does a hexagon have?", Options: []string{"5", "6", "7", "8"}, Correct: 1},
			{Text: "What is the boiling point of water at sea level in Celsius?", Options: []string{"90", "100", "110", "120"}, Correct: 1},
			{Text: "Which element has the chemical symbol O?", Options: []string{"Gold", "Osmium", "Oxygen", "Iron"}, Correct: 2},
		},
	}
}
