package deck

import (
	"math/rand"
	"testing"
)

func TestDrawNeverRepeatsWithinSession(t *testing.T) {
	d := Default()
	rng := rand.New(rand.NewSource(1))
	session := NewSession()

	pool := d.byLevel[1]
	seen := map[string]bool{}
	for range pool {
		card, err := d.Draw(rng, 1, session)
		if err != nil {
			t.Fatalf("Draw: %v", err)
		}
		if seen[card.Key] {
			t.Fatalf("card %s drawn twice", card.Key)
		}
		seen[card.Key] = true
	}

	if _, err := d.Draw(rng, 1, session); err == nil {
		t.Fatal("expected exhaustion error after drawing every card")
	}
}

func TestDrawOnlyReturnsRequestedLevel(t *testing.T) {
	d := Default()
	rng := rand.New(rand.NewSource(2))

	for level := 1; level <= MaxLevel; level++ {
		session := NewSession()
		card, err := d.Draw(rng, level, session)
		if err != nil {
			t.Fatalf("Draw level %d: %v", level, err)
		}
		if card.Level != level {
			t.Errorf("Draw(%d) returned level %d card %s", level, card.Level, card.Key)
		}
	}
}

func TestDrawUnknownLevelFails(t *testing.T) {
	d := Default()
	rng := rand.New(rand.NewSource(3))

	if _, err := d.Draw(rng, MaxLevel+1, NewSession()); err == nil {
		t.Fatal("expected error for a level with no cards")
	}
}

func TestSessionFromAskedSkipsHistory(t *testing.T) {
	d := Default()
	rng := rand.New(rand.NewSource(4))

	asked := make([]string, 0)
	for _, c := range d.byLevel[1][:len(d.byLevel[1])-1] {
		asked = append(asked, c.Key)
	}
	session := SessionFromAsked(asked)

	card, err := d.Draw(rng, 1, session)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	for _, key := range asked {
		if card.Key == key {
			t.Fatalf("drew already-asked card %s", key)
		}
	}
}

func TestSessionResetClearsHistory(t *testing.T) {
	session := SessionFromAsked([]string{"l1-laugh"})
	if !session.Seen("l1-laugh") {
		t.Fatal("seeded card not marked seen")
	}
	session.Reset()
	if session.Seen("l1-laugh") {
		t.Fatal("Reset did not clear history")
	}
}

func TestGetLooksUpByKey(t *testing.T) {
	d := Default()
	card, ok := d.Get("l2-unsaid")
	if !ok {
		t.Fatal("known card not found")
	}
	if card.Level != 2 {
		t.Errorf("Level = %d, want 2", card.Level)
	}
	if _, ok := d.Get("does-not-exist"); ok {
		t.Error("unknown key reported as found")
	}
}
