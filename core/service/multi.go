package service

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/sushant-115/gojotx/core/transaction"
	"go.uber.org/zap"
)

// callMulti runs def once per row of parameters suffixed with _0, _1, ...
// inside a single transaction. The scan stops at the first index with no
// row parameters. Each row falls back to unsuffixed parameters and then to
// the results of earlier rows.
func (f *Facade) callMulti(ctx context.Context, worker transaction.WorkerID, def *Definition, policy txPolicy, params map[string]any) (result map[string]any, err error) {
	if !policy.requireNew {
		if err := f.refuseDoomed(ctx, worker, def.Name()); err != nil {
			return nil, err
		}
	}
	names := def.InParameterNames
	if len(names) == 0 {
		names = rowParameterNames(params)
	}

	var suspended *transaction.SuspendedHandle
	defer func() {
		if suspended != nil {
			if rerr := f.tx.Resume(ctx, worker, suspended); rerr != nil {
				f.logger.Error("Error resuming parent transaction after multi call", zap.String("service", def.Name()), zap.Error(rerr))
				if err == nil {
					err = rerr
				}
			}
		}
	}()
	if policy.requireNew && f.tx.IsTransactionInPlace(ctx, worker) {
		if suspended, err = f.tx.Suspend(ctx, worker); err != nil {
			return nil, err
		}
	}
	began := false
	if !policy.ignore && !f.tx.IsTransactionInPlace(ctx, worker) {
		if _, err = f.tx.Begin(ctx, worker, policy.timeout); err != nil {
			return nil, err
		}
		began = true
	}

	// rows join the batch transaction
	rowPolicy := policy
	rowPolicy.requireNew = false

	result = map[string]any{}
	var rowErr error
	for i := 0; ; i++ {
		suffix := "_" + strconv.Itoa(i)
		row := make(map[string]any, len(names))
		for _, n := range names {
			if v, ok := params[n+suffix]; ok {
				row[n] = v
			}
		}
		if len(row) == 0 {
			break
		}
		if (isTrue(params["_useRowSubmit"]) || isTrue(params["_useRowSubmit"+suffix])) && !isTrue(params["_rowSubmit"+suffix]) {
			continue
		}
		for _, n := range names {
			if !isEmpty(row[n]) {
				continue
			}
			if !isEmpty(params[n]) {
				row[n] = params[n]
			} else if !isEmpty(result[n]) {
				row[n] = result[n]
			}
		}

		// the semaphore is taken per row, inside the batch transaction
		single, err := f.callSingle(ctx, worker, def, rowPolicy, row)
		if err != nil {
			rowErr = fmt.Errorf("row %d: %w", i, err)
			break
		}
		maps.Copy(result, single)
	}

	if rowErr != nil && f.tx.IsTransactionInPlace(ctx, worker) && f.tx.Status(ctx, worker) != transaction.StatusMarkedRollback {
		if merr := f.tx.MarkRollbackOnly(ctx, worker, "Error in multi call of "+def.Name(), rowErr); merr != nil {
			f.logger.Error("Could not mark transaction rollback-only", zap.String("service", def.Name()), zap.Error(merr))
		}
	}
	if began {
		if endErr := f.endTransaction(ctx, worker, rowErr); endErr != nil {
			if rowErr == nil {
				return nil, endErr
			}
			f.logger.Warn("Error ending transaction for multi call", zap.String("service", def.Name()), zap.Error(endErr))
		}
	}
	if rowErr != nil {
		return nil, rowErr
	}
	return result, nil
}

// rowParameterNames derives row field names from keys ending in _<n>, plus
// the unsuffixed keys shared by every row. Keys starting with an underscore
// are control flags.
func rowParameterNames(params map[string]any) []string {
	seen := make(map[string]struct{})
	for k := range params {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if base, ok := rowSuffixBase(k); ok {
			seen[base] = struct{}{}
		} else {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// rowSuffixBase splits "field_3" into "field".
func rowSuffixBase(k string) (string, bool) {
	i := strings.LastIndexByte(k, '_')
	if i <= 0 || i == len(k)-1 {
		return "", false
	}
	if _, err := strconv.Atoi(k[i+1:]); err != nil {
		return "", false
	}
	return k[:i], true
}

func isTrue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	default:
		return false
	}
}

// isEmpty treats nil, empty strings and empty collections as absent.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
