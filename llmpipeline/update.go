package llmpipeline

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"github.com/bloopsh/bloop/ingest"
)

// ApplyUpdate builds and executes a dynamic UPDATE against llm_traces
// from the fields set on u (PUT /v1/traces/{id}). A request with no
// fields set is a no-op that returns (false, nil).
// Cost, when present, is always converted from dollars to micros.
func ApplyUpdate(ctx context.Context, db *sql.DB, projectID, traceID string, u ingest.TraceUpdate) (bool, error) {
	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 6)

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.HasOutput {
		sets = append(sets, "output = ?")
		args = append(args, ingest.MarshalAny(u.Output))
	}
	if u.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *u.EndedAt)
	}
	if u.InputTokens != nil {
		sets = append(sets, "input_tokens = ?")
		args = append(args, *u.InputTokens)
	}
	if u.OutputTokens != nil {
		sets = append(sets, "output_tokens = ?")
		args = append(args, *u.OutputTokens)
	}
	if u.InputTokens != nil || u.OutputTokens != nil {
		// total_tokens must stay consistent with whichever of the two
		// counts was supplied; fetch the current row to fill in the gap.
		current, err := fetchTokenCounts(ctx, db, projectID, traceID)
		if err != nil {
			return false, err
		}
		in, out := current.input, current.output
		if u.InputTokens != nil {
			in = *u.InputTokens
		}
		if u.OutputTokens != nil {
			out = *u.OutputTokens
		}
		sets = append(sets, "total_tokens = ?")
		args = append(args, in+out)
	}
	if u.Cost != nil {
		sets = append(sets, "cost_micros = ?")
		args = append(args, int64(math.Round(*u.Cost*1_000_000)))
	}

	if len(sets) == 0 {
		return false, nil
	}

	args = append(args, projectID, traceID)
	query := fmt.Sprintf(`UPDATE llm_traces SET %s WHERE project_id = ? AND id = ?`, strings.Join(sets, ", "))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update llm_traces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type tokenCounts struct {
	input  int64
	output int64
}

func fetchTokenCounts(ctx context.Context, db *sql.DB, projectID, traceID string) (tokenCounts, error) {
	var tc tokenCounts
	err := db.QueryRowContext(ctx, `SELECT input_tokens, output_tokens FROM llm_traces WHERE project_id = ? AND id = ?`, projectID, traceID).
		Scan(&tc.input, &tc.output)
	if err != nil {
		return tokenCounts{}, fmt.Errorf("fetch current token counts: %w", err)
	}
	return tc, nil
}
