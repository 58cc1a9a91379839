// Package delivery fans filtered AI responses out to the members of their
// session.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/soyeahso/tutorchat/internal/broadcast"
	"github.com/soyeahso/tutorchat/internal/domain"
	"github.com/soyeahso/tutorchat/internal/logging"
	"github.com/soyeahso/tutorchat/internal/protocol"
	"github.com/soyeahso/tutorchat/internal/registry"
)

// Item pairs a processed message with its filtered response.
type Item struct {
	Processed domain.ProcessedMessage
	Response  domain.FilteredResponse
}

// Report summarizes a Deliver call.
type Report struct {
	Delivered     int
	Failed        int
	Evicted       int
	Skipped       int
	Confirmations int
}

// Pipeline pushes responses to session members.
type Pipeline struct {
	reg registry.Registry
	bc  *broadcast.Broadcaster
	log *logging.Logger
	now func() time.Time
}

// New creates a Pipeline.
func New(reg registry.Registry, bc *broadcast.Broadcaster, log *logging.Logger) *Pipeline {
	return &Pipeline{reg: reg, bc: bc, log: log.Sub("delivery"), now: time.Now}
}

// Deliver pushes each item to every connection currently in its session.
// Push failures never abort delivery to other recipients; the returned
// error only reports items whose recipients could not be resolved.
func (p *Pipeline) Deliver(ctx context.Context, items []Item) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	for _, it := range items {
		if err := p.deliverOne(ctx, it, &rep); err != nil {
			errs = append(errs, err)
		}
	}
	return rep, errors.Join(errs...)
}

func (p *Pipeline) deliverOne(ctx context.Context, it Item, rep *Report) error {
	msg := it.Processed
	log := p.log.Message(msg.MessageID, msg.SessionID)

	ids, err := p.reg.ConnectionsForSession(ctx, msg.SessionID)
	if err != nil {
		return fmt.Errorf("resolving recipients for %s: %w", msg.MessageID, err)
	}

	var res broadcast.Result
	if len(ids) == 0 {
		rep.Skipped++
		log.Info().Msg("no active connections in session, skipping delivery")
	} else {
		confidence := it.Response.Confidence
		res, err = p.bc.ToConnections(ctx, ids, protocol.EventMessage, protocol.MessageEvent{
			MessageID:     msg.MessageID,
			SessionID:     msg.SessionID,
			UserID:        msg.UserID,
			Role:          domain.RoleAssistant,
			Content:       it.Response.Content,
			Timestamp:     p.now().UTC(),
			Confidence:    &confidence,
			WasFiltered:   it.Response.WasFiltered,
			FilterReasons: it.Response.FilterReasons,
			IsEducational: it.Response.IsEducational,
			Sources:       msg.Sources,
		})
		if err != nil {
			return fmt.Errorf("encoding response %s: %w", msg.MessageID, err)
		}
		rep.Delivered += len(res.Delivered)
		rep.Failed += len(res.Failed)
		rep.Evicted += len(res.Evicted)
		log.Debug().
			Int("recipients", len(ids)).
			Int("delivered", len(res.Delivered)).
			Msg("response delivered")
	}

	if msg.ConnectionID != "" && !slices.Contains(ids, msg.ConnectionID) {
		err := p.bc.Send(ctx, msg.ConnectionID, protocol.EventDeliveryConfirmation, protocol.DeliveryConfirmationEvent{
			MessageID:  msg.MessageID,
			SessionID:  msg.SessionID,
			Recipients: len(res.Delivered),
			Timestamp:  p.now().UTC(),
		})
		if err != nil {
			log.Debug().Err(err).Str("connId", msg.ConnectionID).Msg("delivery confirmation not sent")
		} else {
			rep.Confirmations++
		}
	}
	return nil
}
