package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"DarkLedger/internal/event"
	"DarkLedger/internal/ingestion"
	"DarkLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "darkledger.v1.Ledger"

// Submitter hands a command to the core and returns its verdict.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) error
}

// Queries is the read side served by the query service.
type Queries interface {
	GetMarginAccount(ctx context.Context, owner common.Address) (*query.MarginAccountResponse, error)
	GetBalance(ctx context.Context, holder common.Address, asset string) (*query.BalanceResponse, error)
	GetComputation(ctx context.Context, id uint64) (*query.ComputationResponse, error)
	GetProcessedDeposit(ctx context.Context, txid common.Hash) (*query.DepositResponse, error)
	ListTrades(ctx context.Context, f query.TradeFilter) ([]query.TradeResponse, error)
	GetJournalHistory(ctx context.Context, holder common.Address, limit int, beforeSequence int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// LedgerServer is the server side of darkledger.v1.Ledger. Every message
// is a google.protobuf.Struct.
type LedgerServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetMarginAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetBalance(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetComputation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetProcessedDeposit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTrades(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJournals(context.Context, *structpb.Struct) (*structpb.Struct, error)
	VerifyIntegrity(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type rpcFunc func(LedgerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn rpcFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return fn(srv.(LedgerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// LedgerServiceDesc describes darkledger.v1.Ledger without generated code.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", LedgerServer.Submit),
		unary("GetMarginAccount", LedgerServer.GetMarginAccount),
		unary("GetBalance", LedgerServer.GetBalance),
		unary("GetComputation", LedgerServer.GetComputation),
		unary("GetProcessedDeposit", LedgerServer.GetProcessedDeposit),
		unary("ListTrades", LedgerServer.ListTrades),
		unary("ListJournals", LedgerServer.ListJournals),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "darkledger/v1/ledger.proto",
}

// LedgerService implements LedgerServer on top of the submit path and
// the query service.
type LedgerService struct {
	submitter       Submitter
	queries         Queries
	collateralAsset string
}

func NewLedgerService(submitter Submitter, queries Queries, collateralAsset string) *LedgerService {
	return &LedgerService{submitter: submitter, queries: queries, collateralAsset: collateralAsset}
}

// Submit applies one command. The request is {"type": <EventType>,
// "command": {...}} where command is the same JSON published on
// ledger.commands.<EventType>.
func (s *LedgerService) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	eventType, err := stringField(req, "type")
	if err != nil {
		return nil, toStatus(err)
	}
	cmd := req.GetFields()["command"].GetStructValue()
	if cmd == nil {
		return nil, toStatus(fmt.Errorf("%w: command is required", errInvalidRequest))
	}
	payload, err := protojson.Marshal(cmd)
	if err != nil {
		return nil, toStatus(fmt.Errorf("%w: %v", errInvalidRequest, err))
	}
	return s.submitCommand(ctx, eventType, payload)
}

func (s *LedgerService) submitCommand(ctx context.Context, eventType string, payload []byte) (*structpb.Struct, error) {
	evt, err := ingestion.ParseCommand(eventType, payload, time.Now())
	if err != nil {
		return nil, toStatus(fmt.Errorf("%w: %v", errInvalidRequest, err))
	}
	if err := s.submitter.Submit(ctx, evt); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"accepted":        true,
		"event_type":      evt.EventType().String(),
		"idempotency_key": evt.IdempotencyKey(),
	})
}

func (s *LedgerService) GetMarginAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	owner, err := addressField(req, "owner")
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetMarginAccount(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

// GetBalance defaults asset to the collateral asset.
func (s *LedgerService) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	holder, err := addressField(req, "holder")
	if err != nil {
		return nil, toStatus(err)
	}
	asset := req.GetFields()["asset"].GetStringValue()
	if asset == "" {
		asset = s.collateralAsset
	}
	resp, err := s.queries.GetBalance(ctx, holder, asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

func (s *LedgerService) GetComputation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := uintField(req, "id", true)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetComputation(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

func (s *LedgerService) GetProcessedDeposit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := stringField(req, "txid")
	if err != nil {
		return nil, toStatus(err)
	}
	txid, err := parseHash(raw)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.queries.GetProcessedDeposit(ctx, txid)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(resp)
}

func (s *LedgerService) ListTrades(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := query.TradeFilter{
		Account: req.GetFields()["account"].GetStringValue(),
		Status:  req.GetFields()["status"].GetStringValue(),
	}
	before, err := uintField(req, "before_sequence", false)
	if err != nil {
		return nil, toStatus(err)
	}
	limit, err := uintField(req, "limit", false)
	if err != nil {
		return nil, toStatus(err)
	}
	f.BeforeSequence = int64(before)
	f.Limit = int(limit)

	trades, err := s.queries.ListTrades(ctx, f)
	if err != nil {
		return nil, toStatus(err)
	}
	if trades == nil {
		trades = []query.TradeResponse{}
	}
	return toStruct(struct {
		Trades []query.TradeResponse `json:"trades"`
	}{trades})
}

func (s *LedgerService) ListJournals(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	holder, err := addressField(req, "holder")
	if err != nil {
		return nil, toStatus(err)
	}
	before, err := uintField(req, "before_sequence", false)
	if err != nil {
		return nil, toStatus(err)
	}
	limit, err := uintField(req, "limit", false)
	if err != nil {
		return nil, toStatus(err)
	}
	if limit == 0 || limit > 500 {
		limit = 100
	}

	entries, err := s.queries.GetJournalHistory(ctx, holder, int(limit), int64(before))
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	return toStruct(struct {
		Journals []query.JournalHistoryEntry `json:"journals"`
	}{entries})
}

func (s *LedgerService) VerifyIntegrity(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := s.queries.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(report)
}

// --- Struct helpers ---

// toStruct goes through JSON so responses keep their json tags.
func toStruct(v interface{}) (*structpb.Struct, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(buf, out); err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) (string, error) {
	s := req.GetFields()[name].GetStringValue()
	if s == "" {
		return "", fmt.Errorf("%w: %s is required", errInvalidRequest, name)
	}
	return s, nil
}

func addressField(req *structpb.Struct, name string) (common.Address, error) {
	s, err := stringField(req, name)
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", errInvalidRequest, name, s)
	}
	return common.HexToAddress(s), nil
}

// uintField accepts a number or a decimal string, since path and query
// parameters arrive as strings.
func uintField(req *structpb.Struct, name string, required bool) (uint64, error) {
	v, ok := req.GetFields()[name]
	if !ok || v.GetKind() == nil {
		if required {
			return 0, fmt.Errorf("%w: %s is required", errInvalidRequest, name)
		}
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n < 0 || n != float64(uint64(n)) {
			return 0, fmt.Errorf("%w: %s must be a non-negative integer", errInvalidRequest, name)
		}
		return uint64(n), nil
	case *structpb.Value_StringValue:
		if k.StringValue == "" && !required {
			return 0, nil
		}
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", errInvalidRequest, name, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", errInvalidRequest, name)
	}
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: txid %q is not a 32-byte hex hash", errInvalidRequest, s)
	}
	return common.BytesToHash(b), nil
}
