package ingest

// dedupeKeepLast removes duplicate rows by key, keeping the last occurrence
// in input order, matching _dedupe_rows_keep_last. Row order among the
// survivors is preserved.
func dedupeKeepLast(rows [][]any, keyFn func(row []any) string) ([][]any, int) {
	if len(rows) < 2 {
		return rows, 0
	}

	seen := make(map[string]bool, len(rows))
	keep := make([]bool, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		key := keyFn(rows[i])
		if seen[key] {
			continue
		}
		seen[key] = true
		keep[i] = true
	}

	out := make([][]any, 0, len(rows))
	dropped := 0
	for i, row := range rows {
		if keep[i] {
			out = append(out, row)
		} else {
			dropped++
		}
	}
	return out, dropped
}

// dedupeDriveRows merges rows sharing the same drive id (row[0]) field-wise,
// a later occurrence's non-nil fields overwriting the running merge,
// matching _dedupe_drive_rows / _merge_drive_rows. This reconciles the same
// drive id surfacing from multiple endpoints (site drives, group drives,
// user drives) with different subsets of fields populated.
func dedupeDriveRows(rows [][]any) ([][]any, int) {
	if len(rows) < 2 {
		return rows, 0
	}

	order := make([]string, 0, len(rows))
	mergedByID := make(map[string][]any, len(rows))
	dropped := 0
	for _, row := range rows {
		id, _ := row[0].(string)
		if existing, ok := mergedByID[id]; ok {
			mergedByID[id] = mergeDriveRow(existing, row)
			dropped++
			continue
		}
		mergedByID[id] = row
		order = append(order, id)
	}
	if dropped == 0 {
		return rows, 0
	}

	out := make([][]any, 0, len(order))
	for _, id := range order {
		out = append(out, mergedByID[id])
	}
	return out, dropped
}

func mergeDriveRow(existing, incoming []any) []any {
	merged := make([]any, len(existing))
	copy(merged, existing)
	for i, v := range incoming {
		if v != nil {
			merged[i] = v
		}
	}
	return merged
}
