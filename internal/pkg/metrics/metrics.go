package metrics

import (
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Recorder exports ledger, reconciler and sweeper counters. A nil Recorder is
// valid and records nothing.
type Recorder struct {
	ledgerOps       *promclient.CounterVec
	reconcilerEvent *promclient.CounterVec
	sweeperAccounts *promclient.CounterVec
}

// NewRecorder registers the counters on reg, reusing collectors that are
// already registered under the same name.
func NewRecorder(namespace string, reg promclient.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = "pixelforge"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	r := &Recorder{}
	var err error
	r.ledgerOps, err = registerCounterVec(reg, promclient.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Credit ledger operations by operation and outcome.",
	}, []string{"op", "outcome"})
	if err != nil {
		return nil, err
	}
	r.reconcilerEvent, err = registerCounterVec(reg, promclient.CounterOpts{
		Namespace: namespace,
		Name:      "reconciler_events_total",
		Help:      "Payment events seen by the reconciler by type and outcome.",
	}, []string{"type", "outcome"})
	if err != nil {
		return nil, err
	}
	r.sweeperAccounts, err = registerCounterVec(reg, promclient.CounterOpts{
		Namespace: namespace,
		Name:      "sweeper_accounts_total",
		Help:      "Accounts touched by the expiry sweeper by action.",
	}, []string{"action"})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LedgerOp counts one credit operation.
func (r *Recorder) LedgerOp(op, outcome string) {
	if r == nil {
		return
	}
	r.ledgerOps.WithLabelValues(op, outcome).Inc()
}

// ReconcilerEvent counts one processed payment event.
func (r *Recorder) ReconcilerEvent(eventType, outcome string) {
	if r == nil {
		return
	}
	r.reconcilerEvent.WithLabelValues(eventType, outcome).Inc()
}

// SweptAccount counts one account handled by a sweep.
func (r *Recorder) SweptAccount(action string) {
	if r == nil {
		return
	}
	r.sweeperAccounts.WithLabelValues(action).Inc()
}

func registerCounterVec(reg promclient.Registerer, opts promclient.CounterOpts, labels []string) (*promclient.CounterVec, error) {
	vec := promclient.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(promclient.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*promclient.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("register %s: %w", opts.Name, err)
	}
	return vec, nil
}
