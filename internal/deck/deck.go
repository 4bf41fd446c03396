package deck

import (
	"fmt"
	"math/rand"
)

// Card is a single prompt shown to the responding player.
type Card struct {
	Key    string
	Level  int
	Prompt string
}

// MaxLevel is the deepest intimacy level the built-in deck supports.
const MaxLevel = 3

// Deck holds prompt cards grouped by intimacy level.
type Deck struct {
	byLevel map[int][]Card
}

// New builds a deck from the given cards.
func New(cards []Card) *Deck {
	d := &Deck{byLevel: make(map[int][]Card)}
	for _, c := range cards {
		d.byLevel[c.Level] = append(d.byLevel[c.Level], c)
	}
	return d
}

// Default returns the built-in starter deck.
func Default() *Deck {
	return New(defaultCards)
}

// Draw picks a random card at the given level that the session has not seen
// yet, and marks it seen. Returns an error when the level is exhausted.
func (d *Deck) Draw(rng *rand.Rand, level int, session *Session) (*Card, error) {
	pool := d.byLevel[level]
	if len(pool) == 0 {
		return nil, fmt.Errorf("no cards at level %d", level)
	}

	fresh := make([]Card, 0, len(pool))
	for _, c := range pool {
		if !session.Seen(c.Key) {
			fresh = append(fresh, c)
		}
	}
	if len(fresh) == 0 {
		return nil, fmt.Errorf("level %d exhausted: all %d cards shown", level, len(pool))
	}

	card := fresh[rng.Intn(len(fresh))]
	session.Mark(card.Key)
	return &card, nil
}

// Get looks up a card by key.
func (d *Deck) Get(key string) (*Card, bool) {
	for _, pool := range d.byLevel {
		for i := range pool {
			if pool[i].Key == key {
				return &pool[i], true
			}
		}
	}
	return nil, false
}

var defaultCards = []Card{
	{Key: "l1-first-impression", Level: 1, Prompt: "What was your honest first impression of me?"},
	{Key: "l1-perfect-day", Level: 1, Prompt: "Describe your perfect day together, start to finish."},
	{Key: "l1-guilty-pleasure", Level: 1, Prompt: "What's a guilty pleasure you've never admitted to me?"},
	{Key: "l1-childhood-memory", Level: 1, Prompt: "Share a childhood memory that shaped who you are."},
	{Key: "l1-laugh", Level: 1, Prompt: "When was the last time I made you laugh, and why?"},
	{Key: "l1-small-habit", Level: 1, Prompt: "What small habit of mine do you secretly enjoy?"},
	{Key: "l2-insecurity", Level: 2, Prompt: "What insecurity do you wish I understood better?"},
	{Key: "l2-changed-mind", Level: 2, Prompt: "What's something you changed your mind about because of me?"},
	{Key: "l2-hardest-truth", Level: 2, Prompt: "What's the hardest truth you've had to tell someone you love?"},
	{Key: "l2-jealousy", Level: 2, Prompt: "When have you felt jealous in this relationship, and what did you do with it?"},
	{Key: "l2-family-pattern", Level: 2, Prompt: "What family pattern are you afraid of repeating?"},
	{Key: "l2-unsaid", Level: 2, Prompt: "What's something you've wanted to say to me but haven't?"},
	{Key: "l3-fear-of-loss", Level: 3, Prompt: "What would you miss most about me if this ended tomorrow?"},
	{Key: "l3-deepest-need", Level: 3, Prompt: "What do you need from me that you've never asked for out loud?"},
	{Key: "l3-forgiveness", Level: 3, Prompt: "What's something you're still working to forgive, in me or in yourself?"},
	{Key: "l3-true-self", Level: 3, Prompt: "When do you feel most like your true self with me?"},
	{Key: "l3-future-fear", Level: 3, Prompt: "What scares you most about our future together?"},
	{Key: "l3-love-proof", Level: 3, Prompt: "What moment made you certain about how you feel about me?"},
}
