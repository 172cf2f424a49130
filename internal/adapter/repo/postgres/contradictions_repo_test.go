package postgres_test

import (
	"context"
	"testing"

	"github.com/dealgraph/dealgraph/internal/adapter/repo/postgres"
	"github.com/dealgraph/dealgraph/internal/domain"
)

func TestContradictionRepo_Insert_ReportsWrite(t *testing.T) {
	p := &poolStub{execTag: "INSERT 0 1"}
	repo := postgres.NewContradictionRepo(p)
	inserted, err := repo.Insert(context.Background(), domain.Contradiction{
		DealID:     "deal-1",
		FindingAID: "f-1",
		FindingBID: "f-2",
		Confidence: 0.9,
		Reason:     "revenue figures disagree",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatalf("expected inserted=true")
	}
}

func TestContradictionRepo_Insert_DuplicatePairSkipped(t *testing.T) {
	p := &poolStub{execTag: "INSERT 0 0"}
	repo := postgres.NewContradictionRepo(p)
	inserted, err := repo.Insert(context.Background(), domain.Contradiction{
		DealID:     "deal-1",
		FindingAID: "f-2", // reversed order of an existing pair
		FindingBID: "f-1",
		Confidence: 0.8,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected duplicate pair to be skipped")
	}
}
