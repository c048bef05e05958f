// Package admission implements the decision procedure that turns a raw
// trade intent into either an accepted, pending intent in the Store or a
// rejection, and the Kafka ingestion loop that feeds it.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/LabsX402/phantom-paradox-sub002/internal/model"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/config"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/errs"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/logging"
	"github.com/LabsX402/phantom-paradox-sub002/internal/platform/metrics"
	"github.com/LabsX402/phantom-paradox-sub002/internal/policy"
	"github.com/LabsX402/phantom-paradox-sub002/internal/store"
	"github.com/LabsX402/phantom-paradox-sub002/internal/walletkey"
)

// Outcome classifies the result of a decision, for metrics and logging.
type Outcome string

const (
	Accepted Outcome = "accepted"
	Rejected Outcome = "rejected"
)

// Controller runs the ordered admission checks against a candidate
// intent, then either writes it to the Store as pending or returns a
// rejection.
type Controller struct {
	store      store.Store
	policies   *policy.Registry
	clock      func() int64
	requireSig bool
}

// New builds a Controller. requireSig mirrors the
// admission.require_signature config option; false is intended for
// local/dev harnesses only.
func New(s store.Store, policies *policy.Registry, requireSig bool) *Controller {
	return &Controller{store: s, policies: policies, clock: func() int64 { return time.Now().Unix() }, requireSig: requireSig}
}

// SubmitIntent runs the full admission decision procedure for intent,
// writing it to the Store as pending on acceptance.
func (c *Controller) SubmitIntent(ctx context.Context, intent *model.TradeIntent) error {
	if err := c.validateShape(intent); err != nil {
		return err
	}

	policyRow, ok := c.policies.Lookup(intent.SessionPubkey)
	if !ok {
		return errs.NewAdmissionError(errs.AdmissionErrUnknownOrExpired, "session key is unknown or expired")
	}

	if !policyRow.Allows(intent.IntentType, c.clock()) {
		return errs.NewAdmissionError(errs.AdmissionErrActionNotAllowed, "session key policy does not allow this action")
	}

	if c.requireSig {
		valid, err := walletkey.VerifySessionSignature(intent.SessionPubkey, intent.SignableData(), intent.Signature)
		if err != nil {
			return errs.AdmissionWrap(err, errs.OpVerifySignature, "failed to verify session signature")
		}
		if !valid {
			return errs.NewAdmissionError(errs.AdmissionErrBadSignature, "signature does not authenticate intent under session key")
		}
	}

	used, err := c.store.SessionVolume(ctx, intent.SessionPubkey)
	if err != nil {
		return errs.AdmissionWrap(err, errs.OpCheckPolicy, "failed to read session volume")
	}
	if used+intent.AmountLamports > policyRow.MaxVolumeLamports {
		return errs.NewAdmissionError(errs.AdmissionErrVolumeCapExceeded, "intent would exceed session key's max volume")
	}

	dupID, err := c.store.HasIntent(ctx, intent.ID)
	if err != nil {
		return errs.AdmissionWrap(err, errs.OpCheckPolicy, "failed to check intent id")
	}
	if dupID {
		return errs.NewAdmissionError(errs.AdmissionErrDuplicateID, "intent id already used")
	}

	dupNonce, err := c.store.HasNonce(ctx, intent.SessionPubkey, intent.Nonce)
	if err != nil {
		return errs.AdmissionWrap(err, errs.OpCheckPolicy, "failed to check nonce")
	}
	if dupNonce {
		return errs.NewAdmissionError(errs.AdmissionErrDuplicateNonce, "(session_pubkey, nonce) already used")
	}

	conflict, err := c.store.HasConflictingPending(ctx, intent.ItemID, intent.From)
	if err != nil {
		return errs.AdmissionWrap(err, errs.OpCheckConflict, "failed to check for conflicting pending intent")
	}
	if conflict {
		return errs.NewAdmissionError(errs.AdmissionErrConflictingPending, "item already has a pending sell from this owner")
	}

	if err := c.store.InsertIntent(ctx, intent); err != nil {
		return err
	}
	return nil
}

// validateShape is the cheap, stateless step 1 check: malformed intents
// and unset (non-positive) created_at timestamps are rejected before any
// store or policy lookup.
func (c *Controller) validateShape(intent *model.TradeIntent) error {
	if intent.ID == "" || intent.SessionPubkey == "" || intent.OwnerPubkey == "" || intent.ItemID == "" || intent.From == "" || intent.To == "" {
		return errs.NewAdmissionError(errs.AdmissionErrMalformedIntent, "intent is missing required fields")
	}
	if !model.ValidIntentType(intent.IntentType) {
		return errs.NewAdmissionError(errs.AdmissionErrMalformedIntent, fmt.Sprintf("unknown intent_type %q", intent.IntentType))
	}
	if intent.AmountLamports == 0 {
		return errs.NewAdmissionError(errs.AdmissionErrMalformedIntent, "amount_lamports must be nonzero")
	}
	if intent.CreatedAt <= 0 {
		return errs.NewAdmissionError(errs.AdmissionErrMalformedIntent, "created_at must be set")
	}
	if intent.From != intent.OwnerPubkey {
		return errs.NewAdmissionError(errs.AdmissionErrMalformedIntent, "from must match owner_pubkey")
	}
	if intent.From == intent.To {
		return errs.NewAdmissionError(errs.AdmissionErrMalformedIntent, "from and to must differ")
	}
	return nil
}

// Ingest runs the Kafka consume loop: every message on the intent topic
// is decoded, run through SubmitIntent, and the outcome republished to
// the accepted or rejected topic.
type Ingest struct {
	cfg      *config.Config
	log      *logging.Logger
	metrics  *metrics.Metrics
	consumer *kafka.Consumer
	producer *kafka.Producer
	ctrl     *Controller
}

// NewIngest wires a Kafka consumer/producer pair around ctrl.
func NewIngest(cfg *config.Config, log *logging.Logger, m *metrics.Metrics, ctrl *Controller) (*Ingest, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Kafka.Brokers,
		"group.id":          cfg.Kafka.ConsumerGroupID,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{"bootstrap.servers": cfg.Kafka.Brokers})
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &Ingest{cfg: cfg, log: log, metrics: m, consumer: consumer, producer: producer, ctrl: ctrl}, nil
}

// Run polls the intent topic until ctx is cancelled.
func (in *Ingest) Run(ctx context.Context) error {
	if err := in.consumer.SubscribeTopics([]string{in.cfg.Kafka.IntentTopic}, nil); err != nil {
		return fmt.Errorf("subscribe to intent topic: %w", err)
	}
	in.log.Info("admission ingest started", "topic", in.cfg.Kafka.IntentTopic)

	for {
		select {
		case <-ctx.Done():
			in.consumer.Close()
			in.producer.Flush(15 * 1000)
			in.producer.Close()
			return nil
		default:
			msg, err := in.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				if kerr, ok := err.(kafka.Error); ok && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				in.log.Error("kafka read error", "error", err.Error())
				continue
			}
			in.handleMessage(ctx, msg)
		}
	}
}

func (in *Ingest) handleMessage(ctx context.Context, msg *kafka.Message) {
	var intent model.TradeIntent
	if err := decodeIntent(msg.Value, &intent); err != nil {
		in.log.Warn("discarding malformed intent message", "error", err.Error())
		in.metrics.RecordIntentOutcome(string(Rejected))
		return
	}

	if err := in.ctrl.SubmitIntent(ctx, &intent); err != nil {
		code := "unknown"
		if e, ok := err.(*errs.Error); ok {
			code = e.Code
		}
		in.metrics.RecordIntentOutcome(string(Rejected))
		in.metrics.RecordAdmissionRejection(code)
		in.publish(in.cfg.Kafka.RejectedTopic, intent.ID, rejectionPayload(&intent, err))
		return
	}

	in.metrics.RecordIntentOutcome(string(Accepted))
	in.publish(in.cfg.Kafka.AcceptedTopic, intent.ID, intentPayload(&intent))
}

func (in *Ingest) publish(topic, key string, value []byte) {
	if err := in.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
	}, nil); err != nil {
		in.log.Error("failed to publish outcome", "topic", topic, "error", err.Error())
	}
}
