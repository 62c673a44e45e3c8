package inference

import "context"

// RankReranker keeps the incoming order. Candidate i scores 1/(i+1).
type RankReranker struct{}

func (RankReranker) Score(ctx context.Context, query string, texts []string) ([]Score, error) {
	scores := make([]Score, len(texts))
	for i := range texts {
		scores[i] = Score{Index: i, Score: 1 / float32(i+1)}
	}

	return scores, nil
}
