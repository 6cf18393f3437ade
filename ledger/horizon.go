// Package ledger reads settled operations from the Stellar network.
package ledger

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	"github.com/stellar/go-stellar-sdk/protocols/horizon/operations"

	"github.com/withObsrvr/anchor-callback-processor/logging"
)

// nativeAssetCode is the asset code reported for lumens. Horizon leaves
// the code empty on native payments.
const nativeAssetCode = "XLM"

const (
	pageLimit = 200
	// maxPages bounds one lookup; with descending order and the since
	// cutoff this is only hit on extremely active accounts.
	maxPages = 5

	defaultRetryAfter = 10 * time.Second
)

// Operation is one settled ledger operation relevant to deposit matching.
type Operation struct {
	ID        string
	To        string
	AssetCode string
	Amount    decimal.Decimal
	ClosedAt  time.Time
}

// Client reads ledger operations for an account. An empty result means
// "queried successfully, nothing matched" and is not an error.
type Client interface {
	Lookup(ctx context.Context, account, assetCode string, since time.Time) ([]Operation, error)
}

// HorizonClient implements Client against a Stellar Horizon instance.
type HorizonClient struct {
	client horizonPayments
	logger *logging.ComponentLogger
}

// horizonPayments is the slice of the Horizon SDK client we use.
type horizonPayments interface {
	Payments(request horizonclient.OperationRequest) (operations.OperationsPage, error)
}

// NewHorizonClient creates a ledger client for the given Horizon URL with
// a bounded per-call timeout.
func NewHorizonClient(horizonURL string, timeout time.Duration, logger *logging.ComponentLogger) *HorizonClient {
	return &HorizonClient{
		client: &horizonclient.Client{
			HorizonURL: horizonURL,
			HTTP:       &http.Client{Timeout: timeout},
		},
		logger: logger,
	}
}

// Lookup returns payment operations credited to account for assetCode
// since the given time, newest first. The result is finite and re-queried
// from Horizon on every call.
func (h *HorizonClient) Lookup(ctx context.Context, account, assetCode string, since time.Time) ([]Operation, error) {
	var (
		result []Operation
		cursor string
	)

	for page := 0; page < maxPages; page++ {
		if err := ctx.Err(); err != nil {
			return nil, &NetworkError{Err: err}
		}

		opsPage, err := h.paymentsWithRetry(ctx, horizonclient.OperationRequest{
			ForAccount: account,
			Order:      horizonclient.OrderDesc,
			Limit:      pageLimit,
			Cursor:     cursor,
		})
		if err != nil {
			return nil, err
		}

		records := opsPage.Embedded.Records
		if len(records) == 0 {
			break
		}

		reachedSince := false
		for _, record := range records {
			payment, ok := record.(operations.Payment)
			if !ok {
				continue
			}
			if payment.LedgerCloseTime.Before(since) {
				reachedSince = true
				break
			}
			if payment.To != account {
				continue
			}
			code := payment.Code
			if payment.Asset.Type == "native" {
				code = nativeAssetCode
			}
			if code != assetCode {
				continue
			}
			amount, err := decimal.NewFromString(payment.Amount)
			if err != nil {
				h.logger.Warn().
					Str("operation_id", payment.ID).
					Str("amount", payment.Amount).
					Msg("Skipping payment with unparseable amount")
				continue
			}
			result = append(result, Operation{
				ID:        payment.ID,
				To:        payment.To,
				AssetCode: code,
				Amount:    amount,
				ClosedAt:  payment.LedgerCloseTime,
			})
		}
		if reachedSince || len(records) < pageLimit {
			break
		}
		cursor = records[len(records)-1].PagingToken()
	}

	return result, nil
}

// paymentsWithRetry fetches one page, retrying pure transport failures a
// few times before surfacing them. Rate limits and definitive results are
// never retried here; the settlement engine defers those to its next tick.
func (h *HorizonClient) paymentsWithRetry(ctx context.Context, req horizonclient.OperationRequest) (operations.OperationsPage, error) {
	var page operations.OperationsPage

	fetch := func() error {
		var err error
		page, err = h.client.Payments(req)
		if err == nil {
			return nil
		}
		classified := classifyHorizonError(err)
		var netErr *NetworkError
		if errors.As(classified, &netErr) {
			return classified
		}
		return backoff.Permanent(classified)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		return operations.OperationsPage{}, err
	}
	return page, nil
}

// classifyHorizonError maps SDK errors onto the ledger error taxonomy.
func classifyHorizonError(err error) error {
	if herr := horizonclient.GetError(err); herr != nil {
		status := herr.Problem.Status
		switch {
		case status == http.StatusTooManyRequests:
			return &RateLimitedError{RetryAfter: retryAfterHint(herr)}
		case status >= 500:
			return &NetworkError{Err: err}
		default:
			// 4xx problems other than rate limiting are caller bugs;
			// surface them untouched.
			return err
		}
	}
	// Anything that never produced a Horizon problem document is a
	// transport failure.
	return &NetworkError{Err: err}
}

func retryAfterHint(herr *horizonclient.Error) time.Duration {
	if herr.Response != nil {
		if v := herr.Response.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return defaultRetryAfter
}
