package ordersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

const (
	TopicOrderCreate = "orders/create"
	TopicOrderUpdate = "orders/updated"
)

type ReconcilerOptions struct {
	CRM      CRMClient
	Commerce CommerceClient
	Marker   ProvenanceMarker
	Store    *Store
	Stages   *StageSet

	MaxAttempts          int
	BaseRetryDelay       time.Duration
	MaxRetryDelay        time.Duration
	DuplicateLookupDelay time.Duration
	MaxDuplicateDelay    time.Duration
	CreateGapThreshold   time.Duration

	Logger *log.Logger
}

// Reconciler drives one order or action at a time through the CRM and
// commerce clients. Processing is synchronous: the caller blocks until the
// outcome is known, and retries happen inside the call.
type Reconciler struct {
	crm      CRMClient
	commerce CommerceClient
	marker   ProvenanceMarker
	store    *Store
	stages   *StageSet

	maxAttempts          int
	baseRetryDelay       time.Duration
	maxRetryDelay        time.Duration
	duplicateLookupDelay time.Duration
	maxDuplicateDelay    time.Duration
	createGapThreshold   time.Duration

	logger *log.Logger
}

// Result reports a finished create or update reconciliation. Verified stays
// false when the post-write read-back failed; the write itself still counts.
type Result struct {
	DealID       string        `json:"dealId"`
	Operation    OperationKind `json:"operation"`
	WasDuplicate bool          `json:"wasDuplicate,omitempty"`
	Verified     bool          `json:"verified"`
	Attempts     int           `json:"attempts"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// ActionOutcome is the per-item result of an action batch. Failed items
// never abort their siblings.
type ActionOutcome struct {
	Index          int        `json:"index"`
	Kind           ActionKind `json:"kind"`
	SourceRecordID string     `json:"sourceRecordId"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	RefundID       string     `json:"refundId,omitempty"`
	RefundAmount   float64    `json:"refundAmount,omitempty"`
}

func NewReconciler(opts ReconcilerOptions) *Reconciler {
	crm := opts.CRM
	if crm == nil {
		crm = noopCRMClient{}
	}
	commerce := opts.Commerce
	if commerce == nil {
		commerce = noopCommerceClient{}
	}
	marker := opts.Marker
	if marker == nil {
		marker = noopProvenanceMarker{}
	}
	stages := opts.Stages
	if stages == nil {
		stages = DefaultStageSet()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseRetryDelay := opts.BaseRetryDelay
	if baseRetryDelay <= 0 {
		baseRetryDelay = 200 * time.Millisecond
	}
	maxRetryDelay := opts.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = 5 * time.Second
	}
	duplicateLookupDelay := opts.DuplicateLookupDelay
	if duplicateLookupDelay <= 0 {
		duplicateLookupDelay = 100 * time.Millisecond
	}
	maxDuplicateDelay := opts.MaxDuplicateDelay
	if maxDuplicateDelay <= 0 {
		maxDuplicateDelay = 500 * time.Millisecond
	}
	createGapThreshold := opts.CreateGapThreshold
	if createGapThreshold <= 0 {
		createGapThreshold = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Reconciler{
		crm:                  crm,
		commerce:             commerce,
		marker:               marker,
		store:                opts.Store,
		stages:               stages,
		maxAttempts:          maxAttempts,
		baseRetryDelay:       baseRetryDelay,
		maxRetryDelay:        maxRetryDelay,
		duplicateLookupDelay: duplicateLookupDelay,
		maxDuplicateDelay:    maxDuplicateDelay,
		createGapThreshold:   createGapThreshold,
		logger:               logger,
	}
}

// Dispatch routes an order to create or update reconciliation. A blank
// topic is inferred from the order's own timestamps: an update arriving
// moments after creation is really the creation seen twice.
func (r *Reconciler) Dispatch(ctx context.Context, topic string, order ForeignOrder) (*Result, error) {
	switch strings.TrimSpace(topic) {
	case TopicOrderCreate:
		return r.ReconcileCreate(ctx, order)
	case TopicOrderUpdate:
		return r.ReconcileUpdate(ctx, order)
	default:
		if r.inferCreate(order) {
			return r.ReconcileCreate(ctx, order)
		}
		return r.ReconcileUpdate(ctx, order)
	}
}

func (r *Reconciler) inferCreate(order ForeignOrder) bool {
	created := order.CreatedTime()
	updated := order.UpdatedTime()
	if created.IsZero() || updated.IsZero() {
		return true
	}
	gap := updated.Sub(created)
	if gap < 0 {
		gap = -gap
	}
	return gap < r.createGapThreshold
}

// ReconcileCreate ensures exactly one deal exists for the order. An already
// existing deal flips the operation into an update rather than failing.
func (r *Reconciler) ReconcileCreate(ctx context.Context, order ForeignOrder) (*Result, error) {
	mapped := MapOrder(order, r.stages)
	warnings, err := ValidateFields(mapped.Fields)
	if err != nil {
		r.recordOrderOutcome(OperationCreate, "", order.ID, 0, false, false, err)
		return nil, err
	}

	existing, err := r.crm.FindDealByOrderID(ctx, order.ID)
	if err != nil {
		r.logger.Printf("pre-create lookup failed for order %s: %v", order.ID, err)
	}
	if existing != nil {
		return r.applyUpdate(ctx, existing.ID, order.ID, mapped, warnings, true)
	}

	dealID, attempts, wasDuplicate, err := r.createWithRetry(ctx, order.ID, mapped.Fields)
	if err != nil {
		r.recordOrderOutcome(OperationCreate, "", order.ID, attempts, false, false, err)
		return nil, err
	}
	if wasDuplicate {
		result, err := r.applyUpdate(ctx, dealID, order.ID, mapped, warnings, true)
		if result != nil {
			result.Attempts = attempts
		}
		return result, err
	}

	result := &Result{DealID: dealID, Operation: OperationCreate, Attempts: attempts, Warnings: warnings}
	r.finishWrite(ctx, result, order.ID, mapped)
	r.recordOrderOutcome(OperationCreate, dealID, order.ID, attempts, false, result.Verified, nil)
	return result, nil
}

// ReconcileUpdate refreshes the deal joined to the order. A missing deal
// falls back to create so late or out-of-order webhooks still converge.
func (r *Reconciler) ReconcileUpdate(ctx context.Context, order ForeignOrder) (*Result, error) {
	mapped := MapOrder(order, r.stages)
	warnings, err := ValidateFields(mapped.Fields)
	if err != nil {
		r.recordOrderOutcome(OperationUpdate, "", order.ID, 0, false, false, err)
		return nil, err
	}

	existing, err := r.crm.FindDealByOrderID(ctx, order.ID)
	if err != nil {
		r.recordOrderOutcome(OperationUpdate, "", order.ID, 1, false, false, err)
		return nil, err
	}
	if existing == nil {
		r.logger.Printf("no deal for order %s, falling back to create", order.ID)
		return r.ReconcileCreate(ctx, order)
	}
	return r.applyUpdate(ctx, existing.ID, order.ID, mapped, warnings, false)
}

func (r *Reconciler) applyUpdate(ctx context.Context, dealID, orderID string, mapped MappedDeal, warnings []string, wasDuplicate bool) (*Result, error) {
	attempts, err := r.updateWithRetry(ctx, dealID, mapped.Fields)
	if err != nil {
		r.recordOrderOutcome(OperationUpdate, dealID, orderID, attempts, wasDuplicate, false, err)
		return nil, err
	}
	result := &Result{DealID: dealID, Operation: OperationUpdate, Attempts: attempts, WasDuplicate: wasDuplicate, Warnings: warnings}
	r.finishWrite(ctx, result, orderID, mapped)
	r.recordOrderOutcome(OperationUpdate, dealID, orderID, attempts, wasDuplicate, result.Verified, nil)
	return result, nil
}

// finishWrite runs the non-blocking tail of a successful field write: line
// rows, contact link, and the verification read. Failures here log and add
// warnings but never fail the reconciliation.
func (r *Reconciler) finishWrite(ctx context.Context, result *Result, orderID string, mapped MappedDeal) {
	if err := r.crm.SetLineRows(ctx, result.DealID, mapped.LineRows); err != nil {
		r.logger.Printf("line rows for deal %s (order %s) failed: %v", result.DealID, orderID, err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("line rows not written: %v", err))
	}
	if mapped.Fields.ContactEmail != "" || mapped.Fields.ContactPhone != "" {
		if err := r.crm.LinkContact(ctx, result.DealID, mapped.Fields.ContactEmail, mapped.Fields.ContactPhone); err != nil {
			r.logger.Printf("contact link for deal %s failed: %v", result.DealID, err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("contact not linked: %v", err))
		}
	}
	verified, err := r.verifyDeal(ctx, result.DealID, orderID)
	if err != nil {
		r.logger.Printf("verification read for deal %s failed: %v", result.DealID, err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("not verified: %v", err))
	}
	result.Verified = verified
}

func (r *Reconciler) verifyDeal(ctx context.Context, dealID, orderID string) (bool, error) {
	deal, err := r.crm.GetDeal(ctx, dealID)
	if err != nil {
		return false, err
	}
	if deal == nil {
		return false, fmt.Errorf("deal %s not readable after write", dealID)
	}
	if deal.OrderID != "" && deal.OrderID != orderID {
		return false, fmt.Errorf("deal %s carries order %s, expected %s", dealID, deal.OrderID, orderID)
	}
	return true, nil
}

func (r *Reconciler) createWithRetry(ctx context.Context, orderID string, fields DealFields) (dealID string, attempts int, wasDuplicate bool, err error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attempts = attempt
		dealID, err = r.crm.CreateDeal(ctx, fields)
		if err == nil {
			return dealID, attempts, false, nil
		}

		var remote *RemoteError
		if errors.As(err, &remote) {
			switch remote.Kind {
			case KindValidation, KindPermission:
				return "", attempts, false, err
			case KindDuplicate:
				foundID, lookupErr := r.resolveDuplicate(ctx, orderID)
				if lookupErr == nil && foundID != "" {
					return foundID, attempts, true, nil
				}
				return "", attempts, false, err
			}
		}
		if attempt == r.maxAttempts {
			return "", attempts, false, err
		}
		r.logger.Printf("create for order %s failed (attempt %d/%d): %v", orderID, attempt, r.maxAttempts, err)
		if waitErr := sleepContext(ctx, r.retryDelay(attempt)); waitErr != nil {
			return "", attempts, false, waitErr
		}
	}
	return "", attempts, false, err
}

// resolveDuplicate handles the race where the CRM rejects a create as a
// duplicate before the duplicate is findable. Lookups repeat with growing
// linear waits until the deal shows up or patience runs out.
func (r *Reconciler) resolveDuplicate(ctx context.Context, orderID string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		deal, err := r.crm.FindDealByOrderID(ctx, orderID)
		if err == nil && deal != nil {
			return deal.ID, nil
		}
		lastErr = err
		delay := time.Duration(attempt) * r.duplicateLookupDelay
		if delay > r.maxDuplicateDelay {
			delay = r.maxDuplicateDelay
		}
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return "", waitErr
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("duplicate reported for order %s but no deal found", orderID)
}

func (r *Reconciler) updateWithRetry(ctx context.Context, dealID string, fields DealFields) (attempts int, err error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attempts = attempt
		err = r.crm.UpdateDeal(ctx, dealID, fields)
		if err == nil {
			return attempts, nil
		}
		var remote *RemoteError
		if errors.As(err, &remote) && !remote.Retryable() {
			return attempts, err
		}
		if attempt == r.maxAttempts {
			return attempts, err
		}
		r.logger.Printf("update for deal %s failed (attempt %d/%d): %v", dealID, attempt, r.maxAttempts, err)
		if waitErr := sleepContext(ctx, r.retryDelay(attempt)); waitErr != nil {
			return attempts, waitErr
		}
	}
	return attempts, err
}

func (r *Reconciler) retryDelay(attempt int) time.Duration {
	delay := r.baseRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= r.maxRetryDelay {
			return r.maxRetryDelay
		}
	}
	if delay > r.maxRetryDelay {
		delay = r.maxRetryDelay
	}
	return delay
}

// RunActionBatch executes actions in order with per-item isolation: a panic
// or error in one item becomes that item's outcome and the rest still run.
func (r *Reconciler) RunActionBatch(ctx context.Context, actions []ActionRequest) []ActionOutcome {
	outcomes := make([]ActionOutcome, 0, len(actions))
	for i, action := range actions {
		outcome := r.runActionIsolated(ctx, i, action)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (r *Reconciler) runActionIsolated(ctx context.Context, index int, action ActionRequest) (outcome ActionOutcome) {
	outcome = ActionOutcome{
		Index:          index,
		Kind:           action.Kind,
		SourceRecordID: action.SourceRecordID,
		Fingerprint:    action.Fingerprint,
		Status:         "ok",
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome.Status = "failed"
			outcome.Error = fmt.Sprintf("panic: %v", recovered)
			r.logger.Printf("action %s for record %s panicked: %v", action.Kind, action.SourceRecordID, recovered)
			r.recordActionOutcome(action, fmt.Errorf("panic: %v", recovered))
		}
	}()
	if err := r.RunAction(ctx, action, &outcome); err != nil {
		outcome.Status = "failed"
		outcome.Error = err.Error()
	}
	return outcome
}

// RunAction executes a single normalized action against the commerce
// platform and stamps the provenance marker on success.
func (r *Reconciler) RunAction(ctx context.Context, action ActionRequest, outcome *ActionOutcome) error {
	var err error
	var targetID string
	switch action.Kind {
	case ActionRefundCreate:
		targetID, err = r.runRefund(ctx, action, outcome)
	case ActionAddressUpdate:
		targetID, err = r.runAddressUpdate(ctx, action)
	case ActionFulfillmentTrigger:
		targetID, err = r.runFulfillment(ctx, action)
	default:
		err = fmt.Errorf("%w: unsupported action kind %q", ErrInvalidInput, action.Kind)
	}
	r.recordActionOutcome(action, err)
	if err != nil {
		return err
	}
	if markerErr := r.marker.SetMarker(ctx, targetID, action.CorrelationID(), action.Kind, action.Fingerprint); markerErr != nil {
		r.logger.Printf("provenance marker for %s failed: %v", action.CorrelationID(), markerErr)
	}
	return nil
}

func (r *Reconciler) runRefund(ctx context.Context, action ActionRequest, outcome *ActionOutcome) (string, error) {
	var payload RefundCreatePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: refund payload: %v", ErrInvalidInput, err)
	}
	lineItems := make([]RefundLineItem, 0, len(payload.LineItem))
	for _, item := range payload.LineItem {
		lineItems = append(lineItems, RefundLineItem{ID: item.ID, Quantity: item.Quantity})
	}
	req := RefundRequest{
		OrderID:   payload.OrderID,
		Amount:    payload.Amount,
		Reason:    payload.Reason,
		Notify:    payload.Notify,
		LineItems: lineItems,
	}
	// Without an explicit amount the platform computes one; the calculate
	// call pins the figure before committing.
	if payload.Amount == nil {
		calc, err := r.commerce.CalculateRefund(ctx, payload.OrderID, lineItems)
		if err != nil {
			return "", err
		}
		req.Calculation = calc
	}
	result, err := r.commerce.CreateRefund(ctx, req)
	if err != nil {
		return "", err
	}
	if result != nil && outcome != nil {
		outcome.RefundID = result.RefundID
		outcome.RefundAmount = result.Amount
	}
	return payload.OrderID, nil
}

func (r *Reconciler) runAddressUpdate(ctx context.Context, action ActionRequest) (string, error) {
	var payload AddressUpdatePayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: address payload: %v", ErrInvalidInput, err)
	}
	if err := r.commerce.UpdateAddress(ctx, payload.OrderID, payload.Address); err != nil {
		return "", err
	}
	return payload.OrderID, nil
}

func (r *Reconciler) runFulfillment(ctx context.Context, action ActionRequest) (string, error) {
	var payload FulfillmentTriggerPayload
	if err := json.Unmarshal(action.Payload, &payload); err != nil {
		return "", fmt.Errorf("%w: fulfillment payload: %v", ErrInvalidInput, err)
	}
	if err := r.commerce.TriggerFulfillment(ctx, payload.OrderID, payload.LocationID, payload.Notify); err != nil {
		return "", err
	}
	return payload.OrderID, nil
}

func (r *Reconciler) recordOrderOutcome(kind OperationKind, dealID, orderID string, attempts int, wasDuplicate, verified bool, err error) {
	if r.store == nil {
		return
	}
	record := OperationRecord{
		Kind:         kind,
		DealID:       dealID,
		OrderID:      orderID,
		Attempts:     attempts,
		WasDuplicate: wasDuplicate,
		Verified:     verified,
		Success:      err == nil,
	}
	if err != nil {
		record.Error = err.Error()
	}
	r.store.AppendOperation(record)
}

func (r *Reconciler) recordActionOutcome(action ActionRequest, err error) {
	if r.store == nil {
		return
	}
	record := OperationRecord{
		Kind:       OperationAction,
		DealID:     action.SourceRecordID,
		ActionKind: action.Kind,
		Attempts:   1,
		Success:    err == nil,
	}
	if err != nil {
		record.Error = err.Error()
	}
	r.store.AppendOperation(record)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
