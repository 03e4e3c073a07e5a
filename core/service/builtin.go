package service

import (
	"context"
	"fmt"
)

// RegisterBuiltins adds the diagnostics services get#TransactionStatus and
// get#RecordLockHolders. Both ignore transactions.
func RegisterBuiltins(r *Registry) error {
	defs := []*Definition{
		{
			Verb:     "get",
			Noun:     "TransactionStatus",
			TxIgnore: true,
			Body:     transactionStatus,
		},
		{
			Verb:             "get",
			Noun:             "RecordLockHolders",
			TxIgnore:         true,
			InParameterNames: []string{"entityName", "pkString"},
			Body:             recordLockHolders,
		},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func transactionStatus(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
	out := map[string]any{
		"status":  sc.facade.tx.Status(ctx, sc.Worker).String(),
		"inPlace": false,
		"live":    sc.facade.tx.LiveCount(),
	}
	if txc := sc.Transaction(ctx); txc != nil {
		out["inPlace"] = true
		out["txID"] = txc.ID
		out["beginTime"] = txc.BeginTime
		out["timeout"] = txc.Timeout.String()
		if info, ok := txc.RollbackOnly(); ok {
			out["rollbackCause"] = info.CauseMessage
			out["rollbackLocation"] = info.Location
		}
	}
	return out, nil
}

func recordLockHolders(ctx context.Context, sc *Scope, params map[string]any) (map[string]any, error) {
	entity, _ := params["entityName"].(string)
	pk := fmt.Sprint(params["pkString"])
	if entity == "" || params["pkString"] == nil {
		return nil, fmt.Errorf("entityName and pkString: %w", ErrMissingParameter)
	}
	holders := sc.facade.tx.Locks().Holders(entity, pk)
	out := make([]map[string]any, 0, len(holders))
	for _, h := range holders {
		m := map[string]any{
			"txID":        h.TxID,
			"worker":      h.WorkerName,
			"lockTime":    h.LockTime,
			"txBeginTime": h.TxBeginTime,
		}
		if h.Mutation != nil {
			m["mutateEntity"] = h.Mutation.EntityName
			m["mutatePk"] = h.Mutation.PkString
		}
		out = append(out, m)
	}
	return map[string]any{"holders": out}, nil
}
