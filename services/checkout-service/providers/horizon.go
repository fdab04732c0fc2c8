package providers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stellar/go-stellar-sdk/clients/horizonclient"
	hProtocol "github.com/stellar/go-stellar-sdk/protocols/horizon"
	"go.uber.org/zap"

	"github.com/stellardevsa/marketplace/services/checkout-service/services"
)

// horizonAPI is the part of horizonclient.Client the provider uses.
type horizonAPI interface {
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	FetchBaseFee() (int64, error)
	SubmitTransactionXDR(transactionXdr string) (hProtocol.Transaction, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
}

type HorizonConfig struct {
	URL             string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// HorizonProvider talks to a Horizon server. It is the checkout's account
// reader, fee oracle and submitter. Reads honour context cancellation;
// submissions deliberately do not.
type HorizonProvider struct {
	api     horizonAPI
	reads   *gobreaker.CircuitBreaker
	submits *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewHorizonProvider(cfg HorizonConfig, logger *zap.Logger) *HorizonProvider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := &horizonclient.Client{
		HorizonURL: cfg.URL,
		HTTP:       &http.Client{Timeout: cfg.Timeout},
	}
	return newHorizonProvider(client, cfg, logger)
}

func newHorizonProvider(api horizonAPI, cfg HorizonConfig, logger *zap.Logger) *HorizonProvider {
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			IsSuccessful: horizonHealthy,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("horizon circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}
	}

	return &HorizonProvider{
		api:     api,
		reads:   gobreaker.NewCircuitBreaker(settings("horizon-reads")),
		submits: gobreaker.NewCircuitBreaker(settings("horizon-submit")),
		logger:  logger,
	}
}

// horizonHealthy treats any answer below 500 as a healthy server.
func horizonHealthy(err error) bool {
	if err == nil {
		return true
	}
	if herr := horizonclient.GetError(err); herr != nil {
		return herr.Problem.Status > 0 && herr.Problem.Status < 500
	}
	return false
}

// LoadAccount implements services.AccountReader.
func (p *HorizonProvider) LoadAccount(ctx context.Context, address string) (services.Account, error) {
	v, err := p.read(ctx, func() (interface{}, error) {
		return p.api.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	})
	if err != nil {
		return services.Account{}, err
	}
	acct := v.(hProtocol.Account)
	seq, err := acct.GetSequenceNumber()
	if err != nil {
		return services.Account{}, err
	}
	return services.Account{Address: address, Sequence: seq}, nil
}

// BaseFee implements services.FeeOracle using the last ledger's base fee.
func (p *HorizonProvider) BaseFee(ctx context.Context) (int64, error) {
	v, err := p.read(ctx, func() (interface{}, error) {
		return p.api.FetchBaseFee()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Submit implements services.Submitter. It makes exactly one request and
// classifies the failure.
func (p *HorizonProvider) Submit(_ context.Context, env services.SignedEnvelope) (services.SettlementResult, error) {
	start := time.Now()
	v, err := p.submits.Execute(func() (interface{}, error) {
		return p.api.SubmitTransactionXDR(env.XDR)
	})
	if err != nil {
		classified := classifySubmitError(err)
		p.logger.Info("horizon submission failed",
			zap.String("tx_hash", env.Hash),
			zap.Duration("latency", time.Since(start)),
			zap.Error(classified),
		)
		return services.SettlementResult{Hash: env.Hash}, classified
	}

	tx := v.(hProtocol.Transaction)
	res := services.SettlementResult{Success: tx.Successful, Hash: tx.Hash, Ledger: tx.Ledger}
	if res.Hash == "" {
		res.Hash = env.Hash
	}
	if !res.Success {
		res.FailureReason = "transaction failed"
	}
	return res, nil
}

// TransactionStatus looks a transaction up by hash. found is false when the
// network has no record of it.
func (p *HorizonProvider) TransactionStatus(ctx context.Context, hash string) (res services.SettlementResult, found bool, err error) {
	v, err := p.read(ctx, func() (interface{}, error) {
		return p.api.TransactionDetail(hash)
	})
	if horizonclient.IsNotFoundError(err) {
		return services.SettlementResult{Hash: hash}, false, nil
	}
	if err != nil {
		return services.SettlementResult{}, false, err
	}
	tx := v.(hProtocol.Transaction)
	return services.SettlementResult{Success: tx.Successful, Hash: tx.Hash, Ledger: tx.Ledger}, true, nil
}

// read runs fn through the read breaker and stops waiting when ctx is done.
func (p *HorizonProvider) read(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	type result struct {
		v   interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := p.reads.Execute(fn)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classifySubmitError maps a submission failure onto the checkout taxonomy.
// Only failures where the request provably never left are TransportError;
// anything that may have reached the network is Timeout.
func classifySubmitError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return services.NewError(services.KindTransportError, err, "horizon circuit open")
	}

	if herr := horizonclient.GetError(err); herr != nil {
		status := herr.Problem.Status
		kind := problemKind(herr.Problem.Type)
		switch {
		case kind == "timeout" || status == http.StatusGatewayTimeout:
			return services.NewError(services.KindTimeout, err, "horizon timed out waiting for the ledger")
		case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
			return services.NewError(services.KindTransportError, err, "horizon unavailable (%d %s)", status, kind)
		case status >= 400 && status < 500:
			return services.NewError(services.KindRejectedByNetwork, nil, "%s", rejectionDetail(herr, kind))
		default:
			return services.NewError(services.KindTimeout, err, "horizon error %d", status)
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return services.NewError(services.KindTransportError, err, "connecting to horizon")
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return services.NewError(services.KindTransportError, err, "resolving horizon")
	}
	return services.NewError(services.KindTimeout, err, "submission outcome unknown")
}

func problemKind(problemType string) string {
	if i := strings.LastIndex(problemType, "/"); i >= 0 {
		return problemType[i+1:]
	}
	return problemType
}

func rejectionDetail(herr *horizonclient.Error, kind string) string {
	codes, err := herr.ResultCodes()
	if err != nil || codes == nil || codes.TransactionCode == "" {
		return kind
	}
	detail := codes.TransactionCode
	if len(codes.OperationCodes) > 0 {
		detail += ": " + strings.Join(codes.OperationCodes, ",")
	}
	return detail
}
