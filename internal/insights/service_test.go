package insights

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tandemlabs/tandem/internal/models"
)

type fakeStore struct {
	room      *models.Room
	responses []models.Response
	report    *models.CompatibilityReport
	saveErr   error
}

func (f *fakeStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	if f.room == nil || f.room.ID != id {
		return nil, errors.New("room not found")
	}
	return f.room, nil
}

func (f *fakeStore) ListResponses(ctx context.Context, roomID uuid.UUID) ([]models.Response, error) {
	return f.responses, nil
}

func (f *fakeStore) SaveReport(ctx context.Context, report *models.CompatibilityReport) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.report = report
	return nil
}

func (f *fakeStore) GetReport(ctx context.Context, roomID uuid.UUID) (*models.CompatibilityReport, error) {
	if f.report == nil {
		return nil, errors.New("no report")
	}
	return f.report, nil
}

type fakeOracle struct {
	calls  int
	result *AnalysisResult
	err    error
}

func (f *fakeOracle) Analyze(ctx context.Context, req *AnalysisRequest) (*AnalysisResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func evaluatedResponse(round int) models.Response {
	now := time.Now()
	evaluator := uuid.New()
	return models.Response{
		ID:          uuid.New(),
		Round:       round,
		CardKey:     "l1_c1",
		Text:        "an answer",
		ElapsedMS:   5000,
		Scores:      &models.PillarScores{Honesty: 7, Attraction: 7, Intimacy: 7, Surprise: 7},
		EvaluatorID: &evaluator,
		EvaluatedAt: &now,
	}
}

func finishedRoom() *models.Room {
	return &models.Room{ID: uuid.New(), Code: "AB12CD", Phase: models.PhaseFinished}
}

func TestGenerateReportPersistsOracleResult(t *testing.T) {
	store := &fakeStore{
		room:      finishedRoom(),
		responses: []models.Response{evaluatedResponse(1), evaluatedResponse(2)},
	}
	oracle := &fakeOracle{result: &AnalysisResult{Summary: "well matched", PillarAverages: map[string]float64{"honesty": 7}}}
	svc := NewService(store, oracle, nil, nil)

	report, err := svc.GenerateReport(context.Background(), store.room.ID)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if report.Summary != "well matched" {
		t.Errorf("Summary = %q", report.Summary)
	}
	if store.report == nil {
		t.Fatal("report was not persisted")
	}
	if oracle.calls != 1 {
		t.Errorf("oracle called %d times, want 1", oracle.calls)
	}
}

func TestGenerateReportIsIdempotent(t *testing.T) {
	store := &fakeStore{
		room:      finishedRoom(),
		responses: []models.Response{evaluatedResponse(1)},
	}
	oracle := &fakeOracle{result: &AnalysisResult{Summary: "first"}}
	svc := NewService(store, oracle, nil, nil)

	first, err := svc.GenerateReport(context.Background(), store.room.ID)
	if err != nil {
		t.Fatalf("first GenerateReport: %v", err)
	}
	second, err := svc.GenerateReport(context.Background(), store.room.ID)
	if err != nil {
		t.Fatalf("second GenerateReport: %v", err)
	}
	if first.Summary != second.Summary {
		t.Errorf("second call returned a different report: %q vs %q", first.Summary, second.Summary)
	}
	if oracle.calls != 1 {
		t.Errorf("oracle called %d times, want 1", oracle.calls)
	}
}

func TestGenerateReportRejectsUnfinishedRoom(t *testing.T) {
	room := finishedRoom()
	room.Phase = models.PhaseCardDisplay
	store := &fakeStore{room: room, responses: []models.Response{evaluatedResponse(1)}}
	svc := NewService(store, &fakeOracle{}, nil, nil)

	if _, err := svc.GenerateReport(context.Background(), room.ID); !errors.Is(err, ErrRoomNotFinished) {
		t.Fatalf("err = %v, want ErrRoomNotFinished", err)
	}
}

func TestGenerateReportSkipsUnevaluatedResponses(t *testing.T) {
	unevaluated := evaluatedResponse(1)
	unevaluated.EvaluatedAt = nil
	unevaluated.EvaluatorID = nil
	store := &fakeStore{room: finishedRoom(), responses: []models.Response{unevaluated}}
	svc := NewService(store, &fakeOracle{}, nil, nil)

	if _, err := svc.GenerateReport(context.Background(), store.room.ID); !errors.Is(err, ErrNoResponses) {
		t.Fatalf("err = %v, want ErrNoResponses", err)
	}
}

func TestGenerateReportOracleFailureLeavesNoReport(t *testing.T) {
	store := &fakeStore{room: finishedRoom(), responses: []models.Response{evaluatedResponse(1)}}
	oracle := &fakeOracle{err: errors.New("oracle down")}
	svc := NewService(store, oracle, nil, nil)

	if _, err := svc.GenerateReport(context.Background(), store.room.ID); err == nil {
		t.Fatal("expected oracle error to surface")
	}
	if store.report != nil {
		t.Error("oracle failure must not persist a report")
	}
}
