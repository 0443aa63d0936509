/**
 * @description
 * This file contains the asynchronous exchange execution saga. A worker decodes
 * the job descriptor captured at admission and drives the exchange through the
 * rail: open pay-in, record its reference, checkpoint PENDING, move the funds,
 * record the transfer, verify the movement, checkpoint PENDING again, compute fees
 * and complete.
 *
 * Key features:
 * - Any failing step triggers the single compensation routine (mark FAILED) and the
 *   error is returned so the queue's retry policy decides what happens next.
 * - A failed verification cancels the pay-in before the error is raised, since the
 *   pay-in is the one external side effect no local rollback covers.
 * - Progress is checkpointed on the parent transaction. A redelivered job acks a
 *   COMPLETED exchange, resumes at verification once a transfer was sent, and never
 *   cancels the same pay-in twice.
 *
 * @dependencies
 * - internal/store: ledger status transitions and checkpoints.
 * - pkg/railclient: request/response types of the rail.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/transfa/wallet-service/internal/domain"
	"github.com/transfa/wallet-service/internal/queue"
	"github.com/transfa/wallet-service/internal/store"
	"github.com/transfa/wallet-service/pkg/railclient"
)

// RailClient is the part of the rail API the saga drives.
type RailClient interface {
	OpenPayInRequest(ctx context.Context, payload railclient.PayInRequest) (*railclient.PayInResponse, error)
	CancelPayInRequest(ctx context.Context, ref string) error
	TransferFunds(ctx context.Context, payload railclient.TransferRequest) (*railclient.TransferResponse, error)
	VerifyTransferStatus(ctx context.Context, ref string) (bool, error)
}

const (
	stepLoad           = "load_transaction"
	stepOpenPayIn      = "open_payin"
	stepRecordPayIn    = "record_payin"
	stepMarkPending    = "mark_pending"
	stepTransfer       = "transfer_funds"
	stepRecordTransfer = "record_transfer"
	stepVerify         = "verify_transfer"
	stepConfirmPending = "confirm_pending"
	stepSettle         = "compute_settlement"
	stepComplete       = "complete"
)

const (
	checkpointWriteAttempts = 3
	checkpointWriteBackoff  = 150 * time.Millisecond
)

// ExchangeSaga executes admitted exchanges.
type ExchangeSaga struct {
	ledger  store.LedgerRepository
	rail    RailClient
	metrics *Metrics
}

func NewExchangeSaga(ledger store.LedgerRepository, rail RailClient, metrics *Metrics) *ExchangeSaga {
	return &ExchangeSaga{ledger: ledger, rail: rail, metrics: metrics}
}

// checkpoint is the progress earlier attempts left on the parent transaction.
type checkpoint struct {
	payInRef       string
	payInCancelled bool
	transferRef    string
	quote          *railclient.PayInResponse
}

func readCheckpoint(tx *domain.Transaction) checkpoint {
	var cp checkpoint
	if tx.ExternalReference != nil {
		cp.payInRef = *tx.ExternalReference
	}
	if v, ok := tx.Metadata[domain.MetaPayInCancelled].(string); ok && v != "" && v == cp.payInRef {
		cp.payInCancelled = true
	}
	if v, ok := tx.Metadata[domain.MetaTransferReference].(string); ok {
		cp.transferRef = v
	}
	// Stored values are either the original struct or JSON decoded from the database.
	if raw, ok := tx.Metadata[domain.MetaPayInQuote]; ok && raw != nil {
		var quote railclient.PayInResponse
		if b, err := json.Marshal(raw); err == nil && json.Unmarshal(b, &quote) == nil && quote.ID != "" {
			cp.quote = &quote
		}
	}
	return cp
}

// Handle is the queue handler for execute_exchange jobs.
func (s *ExchangeSaga) Handle(ctx context.Context, job queue.Job) error {
	var payload domain.ExchangeJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		logrus.WithFields(logrus.Fields{"component": "exchange_saga", "job_id": job.ID}).
			WithError(err).Error("undecodable exchange job")
		return fmt.Errorf("decode exchange job %s: %w", job.ID, err)
	}
	return s.Execute(ctx, payload)
}

// Execute runs the saga for one job descriptor.
func (s *ExchangeSaga) Execute(ctx context.Context, job domain.ExchangeJob) error {
	log := logrus.WithFields(logrus.Fields{
		"component":       "exchange_saga",
		"transaction_id":  job.TransactionID,
		"transaction_ref": job.TransactionRef,
	})

	current, err := s.ledger.FindTransactionByID(ctx, job.TransactionID)
	if err != nil {
		// The admission transaction may not be committed yet; let the queue retry.
		s.metrics.sagaRun("deferred")
		return &domain.ExecutionError{Step: stepLoad, Err: err}
	}
	if current.Status == domain.StatusCompleted {
		log.Info("exchange already completed; skipping redelivery")
		s.metrics.sagaRun("duplicate")
		return nil
	}

	cp := readCheckpoint(current)
	switch {
	case cp.transferRef != "" && cp.payInCancelled:
		// The rail did not confirm the transfer and its pay-in is cancelled. Sending
		// it again could move the funds twice.
		log.WithField("transfer_ref", cp.transferRef).Warn("transfer was rejected on an earlier attempt; leaving exchange failed")
		s.metrics.sagaRun("rejected")
		if current.Status != domain.StatusFailed {
			return s.Compensate(ctx, job, "rail did not confirm transfer "+cp.transferRef)
		}
		return nil
	case cp.transferRef != "":
		log = log.WithFields(logrus.Fields{"payin_ref": cp.payInRef, "transfer_ref": cp.transferRef})
		log.Info("transfer already sent; resuming at verification")
		err = s.resume(ctx, job, cp, log)
	default:
		if cp.payInRef != "" && !cp.payInCancelled {
			// A previous attempt opened a pay-in and failed before moving funds.
			if cerr := s.cancelPayIn(ctx, job, cp.payInRef); cerr != nil {
				log.WithError(cerr).WithField("payin_ref", cp.payInRef).Warn("could not cancel previous pay-in")
			}
		}
		err = s.run(ctx, job, log)
	}

	if err != nil {
		s.metrics.sagaRun("failed")
		log.WithError(err).Error("exchange execution failed")
		if cerr := s.Compensate(ctx, job, err.Error()); cerr != nil {
			return errors.Join(err, cerr)
		}
		return err
	}
	s.metrics.sagaRun("completed")
	log.Info("exchange completed")
	return nil
}

func (s *ExchangeSaga) run(ctx context.Context, job domain.ExchangeJob, log *logrus.Entry) error {
	req := job.Request

	start := time.Now()
	payIn, err := s.rail.OpenPayInRequest(ctx, railclient.PayInRequest{
		Reference:           job.TransactionRef,
		AccountRef:          job.RailAccountRef,
		SourceCurrency:      req.FromCurrency,
		DestinationCurrency: req.ToCurrency,
		Amount:              job.LocalAmount,
		Rate:                job.Rate.String(),
		Country:             job.Destination.Country,
		Channel:             job.Destination.Channel,
		Network:             job.Destination.Network,
	})
	s.metrics.observeStep(stepOpenPayIn, start)
	if err != nil {
		return &domain.ExecutionError{Step: stepOpenPayIn, Err: err}
	}
	log = log.WithField("payin_ref", payIn.ID)

	metadata := map[string]any{
		"payin_reference":           payIn.ID,
		"expected_converted_amount": job.ConvertedAmount,
		"converted_amount":          payIn.ConvertedAmount,
		"receive_amount":            payIn.ReceiveAmount,
		"rate":                      job.Rate.String(),
		"fee_percent":               job.FeePercent.String(),
		"virtual_account_number":    job.VirtualAccount.AccountNumber,
		domain.MetaPayInQuote:       payIn,
	}
	if req.ToCurrency == "USD" {
		metadata["usd_amount"] = payIn.ConvertedAmount
	}
	if err := s.ledger.RecordPayInReference(ctx, job.TransactionID, payIn.ID, metadata); err != nil {
		return &domain.ExecutionError{Step: stepRecordPayIn, Err: err}
	}

	if err := s.ledger.MarkExchangePending(ctx, job.TransactionID, job.FiatTransactionID); err != nil {
		return &domain.ExecutionError{Step: stepMarkPending, Err: err}
	}

	start = time.Now()
	transfer, err := s.rail.TransferFunds(ctx, railclient.TransferRequest{
		PayInRef:       payIn.ID,
		AccountRef:     job.RailAccountRef,
		Amount:         job.LocalAmount,
		Currency:       req.FromCurrency,
		Destination:    payIn.BankInfo,
		Narration:      job.TransactionRef,
		IdempotencyKey: job.TransactionRef,
	})
	s.metrics.observeStep(stepTransfer, start)
	if err != nil {
		return &domain.ExecutionError{Step: stepTransfer, Err: err}
	}

	err = s.writeCheckpoint(ctx, func(ctx context.Context) error {
		return s.ledger.RecordTransferReference(ctx, job.TransactionID, job.FiatTransactionID, transfer.TransactionReference)
	})
	if err != nil {
		return &domain.ExecutionError{Step: stepRecordTransfer, Err: err}
	}

	return s.verifyAndComplete(ctx, job, payIn, transfer, log)
}

// resume continues an exchange whose transfer an earlier attempt already sent.
func (s *ExchangeSaga) resume(ctx context.Context, job domain.ExchangeJob, cp checkpoint, log *logrus.Entry) error {
	if cp.quote == nil {
		return &domain.ExecutionError{
			Step: stepLoad,
			Err:  fmt.Errorf("transfer %s recorded without a pay-in quote", cp.transferRef),
		}
	}
	return s.verifyAndComplete(ctx, job, cp.quote, &railclient.TransferResponse{TransactionReference: cp.transferRef}, log)
}

func (s *ExchangeSaga) verifyAndComplete(ctx context.Context, job domain.ExchangeJob, payIn *railclient.PayInResponse, transfer *railclient.TransferResponse, log *logrus.Entry) error {
	start := time.Now()
	confirmed, err := s.rail.VerifyTransferStatus(ctx, transfer.TransactionReference)
	s.metrics.observeStep(stepVerify, start)
	if err != nil {
		return &domain.ExecutionError{Step: stepVerify, Err: err}
	}
	if !confirmed {
		failure := fmt.Errorf("%w: rail did not confirm transfer %s", domain.ErrTransferFailed, transfer.TransactionReference)
		if cerr := s.cancelPayIn(ctx, job, payIn.ID); cerr != nil {
			log.WithError(cerr).Error("failed to cancel pay-in after unconfirmed transfer")
			failure = errors.Join(failure, fmt.Errorf("cancel pay-in %s: %w", payIn.ID, cerr))
		}
		return &domain.ExecutionError{Step: stepVerify, Err: failure}
	}

	if err := s.ledger.MarkExchangePending(ctx, job.TransactionID, job.FiatTransactionID); err != nil {
		return &domain.ExecutionError{Step: stepConfirmPending, Err: err}
	}

	settlement, err := computeSettlement(job.LocalAmount, payIn)
	if err != nil {
		return &domain.ExecutionError{Step: stepSettle, Err: err}
	}

	providerMetadata := map[string]any{
		"payin_reference":   payIn.ID,
		"base_fee_local":    payIn.Fees.BaseFeeLocal,
		"network_fee_local": payIn.Fees.NetworkFeeLocal,
		"partner_fee_local": payIn.Fees.PartnerFeeLocal,
		"base_fee_usd":      payIn.Fees.BaseFeeUSD,
		"network_fee_usd":   payIn.Fees.NetworkFeeUSD,
		"partner_fee_usd":   payIn.Fees.PartnerFeeUSD,
		"rate":              job.Rate.String(),
		"rate_id":           job.RateID.String(),
	}
	if transfer.Status != "" {
		providerMetadata["transfer_status"] = transfer.Status
	}
	err = s.ledger.CompleteExchange(ctx, store.CompleteExchangeParams{
		TransactionID:     job.TransactionID,
		FiatTransactionID: job.FiatTransactionID,
		ProviderReference: transfer.TransactionReference,
		TotalFeeLocal:     settlement.TotalFeeLocal,
		TotalFeeUSD:       settlement.TotalFeeUSD,
		CreditedAmount:    settlement.CreditedAmount,
		LocalAmountPaid:   settlement.LocalAmountPaid,
		ProviderMetadata:  providerMetadata,
		Metadata: map[string]any{
			domain.MetaTransferReference: transfer.TransactionReference,
		},
	})
	if err != nil {
		return &domain.ExecutionError{Step: stepComplete, Err: err}
	}
	return nil
}

// cancelPayIn cancels ref on the rail and stamps it so later attempts skip it.
func (s *ExchangeSaga) cancelPayIn(ctx context.Context, job domain.ExchangeJob, ref string) error {
	if err := s.rail.CancelPayInRequest(ctx, ref); err != nil {
		return err
	}
	return s.writeCheckpoint(ctx, func(ctx context.Context) error {
		return s.ledger.UpdateTransactionMetadata(ctx, job.TransactionID, map[string]any{domain.MetaPayInCancelled: ref})
	})
}

// writeCheckpoint records progress made on the rail. It outlives a cancelled job
// context and retries briefly, since losing the write would repeat a rail call.
func (s *ExchangeSaga) writeCheckpoint(ctx context.Context, write func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= checkpointWriteAttempts; attempt++ {
		lastErr = write(ctx)
		if lastErr == nil || errors.Is(lastErr, store.ErrTransactionNotFound) {
			return lastErr
		}
		if attempt == checkpointWriteAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(checkpointWriteBackoff):
		}
	}
	return fmt.Errorf("persist checkpoint after %d attempts: %w", checkpointWriteAttempts, lastErr)
}

// Compensate marks the exchange FAILED with reason. It is safe to call repeatedly and
// never touches a COMPLETED exchange.
func (s *ExchangeSaga) Compensate(ctx context.Context, job domain.ExchangeJob, reason string) error {
	// Record the failure even if the job context was cancelled mid-step.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := s.ledger.MarkExchangeFailed(ctx, job.TransactionID, reason); err != nil {
		logrus.WithFields(logrus.Fields{
			"component":      "exchange_saga",
			"transaction_id": job.TransactionID,
		}).WithError(err).Error("failed to mark exchange failed")
		return fmt.Errorf("compensate %s: %w", job.TransactionID, err)
	}
	return nil
}
