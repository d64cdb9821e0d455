package api

import (
	"encoding/json"

	"erasured/internal/store"
)

func runView(r *store.Run) map[string]any {
	var params map[string]any
	_ = json.Unmarshal([]byte(r.ParamsJSON), &params)

	view := map[string]any{
		"run_id":       r.RunID,
		"plan_id":      r.PlanID,
		"plan_hash":    r.PlanHash,
		"status":       r.Status,
		"requested_by": r.RequestedBy,
		"created_at":   r.CreatedAt,
		"params":       params,
	}
	if r.IdempotencyKey != nil {
		view["idempotency_key"] = *r.IdempotencyKey
	}
	if r.StartedAt != nil {
		view["started_at"] = *r.StartedAt
	}
	if r.FinishedAt != nil {
		view["finished_at"] = *r.FinishedAt
	}
	if r.ErrorCode != nil {
		view["error"] = map[string]any{
			"code":    *r.ErrorCode,
			"message": derefString(r.ErrorMessage),
		}
	}
	if r.ResultSummaryJSON != nil {
		var summary map[string]any
		if json.Unmarshal([]byte(*r.ResultSummaryJSON), &summary) == nil {
			view["result_summary"] = summary
		}
	}
	return view
}

func taskViews(tasks []*store.TaskInstance) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		v := map[string]any{
			"task_id":   t.TaskID,
			"task_type": t.TaskType,
			"status":    t.Status,
			"attempt":   t.Attempt,
		}
		if t.TaskName != "" {
			v["name"] = t.TaskName
		}
		if t.StartedAt != nil {
			v["started_at"] = *t.StartedAt
		}
		if t.FinishedAt != nil {
			v["finished_at"] = *t.FinishedAt
		}
		if t.ErrorCode != nil {
			v["error"] = map[string]any{
				"code":    *t.ErrorCode,
				"message": derefString(t.ErrorMessage),
			}
		}
		out = append(out, v)
	}
	return out
}

func approvalViews(approvals []*store.Approval) []map[string]any {
	out := make([]map[string]any, 0, len(approvals))
	for _, a := range approvals {
		v := map[string]any{
			"approval_id": a.ApprovalID,
			"task_id":     a.TaskID,
			"status":      a.Status,
			"prompt":      a.Prompt,
			"created_at":  a.CreatedAt,
		}
		if a.PreviewJSON != nil {
			var preview map[string]any
			if json.Unmarshal([]byte(*a.PreviewJSON), &preview) == nil {
				v["preview"] = preview
			}
		}
		if a.ResolvedAt != nil {
			v["resolved_at"] = *a.ResolvedAt
			v["resolved_by"] = derefString(a.ResolvedBy)
		}
		out = append(out, v)
	}
	return out
}

func artifactViews(artifacts []*store.Artifact) []map[string]any {
	out := make([]map[string]any, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, map[string]any{
			"artifact_id":  a.ArtifactID,
			"kind":         a.Kind,
			"content_type": a.ContentType,
			"created_at":   a.CreatedAt,
		})
	}
	return out
}

func scheduleView(sc *store.Schedule) map[string]any {
	v := map[string]any{
		"schedule_id":   sc.ScheduleID,
		"broker_id":     sc.BrokerID,
		"profile_id":    sc.ProfileID,
		"scan_type":     sc.ScanType,
		"next_run_at":   sc.NextRunAt,
		"interval_days": sc.IntervalDays,
		"enabled":       sc.Enabled,
	}
	if sc.LastRunID != nil {
		v["last_run_id"] = *sc.LastRunID
	}
	if sc.LastRunAt != nil {
		v["last_run_at"] = *sc.LastRunAt
	}
	return v
}

func listingView(l *store.Listing) map[string]any {
	v := map[string]any{
		"listing_id":    l.ListingID,
		"broker_id":     l.BrokerID,
		"profile_id":    l.ProfileID,
		"url":           l.URL,
		"status":        l.Status,
		"confidence":    l.Confidence,
		"first_seen_at": l.FirstSeenAt,
		"last_seen_at":  l.LastSeenAt,
	}
	if l.RemovedAt != nil {
		v["removed_at"] = *l.RemovedAt
	}
	if l.RecheckAfter != nil {
		v["recheck_after"] = *l.RecheckAfter
	}
	return v
}

func queueItemView(q *store.QueueItem) map[string]any {
	v := map[string]any{
		"item_id":      q.ItemID,
		"broker_id":    q.BrokerID,
		"action_type":  q.ActionType,
		"instructions": q.Instructions,
		"status":       q.Status,
		"created_at":   q.CreatedAt,
	}
	if q.RunID != nil {
		v["run_id"] = *q.RunID
	}
	if q.PayloadJSON != nil {
		var payload map[string]any
		if json.Unmarshal([]byte(*q.PayloadJSON), &payload) == nil {
			v["payload"] = payload
		}
	}
	return v
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
