// Copyright The Telegen Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platformbuilds/storagebridge/internal/session"
	"github.com/platformbuilds/storagebridge/internal/storagedef"
)

// PageDecoder turns one response into records and the cursor of the next
// page. An empty cursor ends the walk.
type PageDecoder[T storagedef.Record] func(resp *storagedef.RawResponse) (items []T, next string, err error)

// Execute runs spec to completion. Pages are fetched sequentially; records
// repeated across pages are kept once, in first-seen order. More than
// MaxPages pages, or a cursor that was already followed, is reported as a
// pagination loop. Any failure discards the pages fetched so far.
func Execute[T storagedef.Record](ctx context.Context, d *Dispatcher, h *session.Handle, spec RequestSpec, decode PageDecoder[T]) (*storagedef.PagedResult[T], error) {
	cfg := h.Config()
	ctx, span := d.startSpan(ctx, cfg, spec.Operation)
	defer span.End()

	result := &storagedef.PagedResult[T]{}
	seen := make(map[string]struct{})
	followed := make(map[string]struct{})
	cursor := ""
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, endSpan(span, err)
		}
		if pages >= d.cfg.MaxPages {
			return nil, endSpan(span, &storagedef.DispatchError{
				Kind:      storagedef.DispatchPaginationLoop,
				Operation: spec.Operation,
				Pages:     pages,
			})
		}

		req, err := spec.build(cfg, cursor)
		if err != nil {
			return nil, endSpan(span, err)
		}
		resp, err := d.Do(ctx, h, spec.Operation, req)
		if err != nil {
			return nil, endSpan(span, err)
		}
		items, next, err := decode(resp)
		if err != nil {
			return nil, endSpan(span, err)
		}
		pages++
		d.metrics.IncPage(string(cfg.Vendor), spec.Operation)

		for _, item := range items {
			if id := item.RecordID(); id != "" {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
			}
			result.Items = append(result.Items, item)
		}

		if next == "" || !spec.Paging.enabled() {
			break
		}
		if _, loop := followed[next]; loop {
			d.log.Warn("vendor returned a cursor twice", "array", cfg.Name, "operation", spec.Operation, "cursor", next)
			return nil, endSpan(span, &storagedef.DispatchError{
				Kind:      storagedef.DispatchPaginationLoop,
				Operation: spec.Operation,
				Pages:     pages,
			})
		}
		followed[next] = struct{}{}
		cursor = next
	}

	span.SetAttributes(
		attribute.Int("storage.pages", pages),
		attribute.Int("storage.items", len(result.Items)),
	)
	return result, nil
}
