package room

import (
	"context"

	"github.com/adwski/sfu-signaling/model"
	"github.com/jiyeyuran/mediasoup-go"
)

// consumerDescriptor is the payload of newConsumer pushes and consume
// responses.
type consumerDescriptor struct {
	UserID         string                  `json:"userId"`
	ProducerID     string                  `json:"producerId"`
	ID             string                  `json:"id"`
	Kind           string                  `json:"kind"`
	RtpParameters  mediasoup.RtpParameters `json:"rtpParameters"`
	Type           string                  `json:"type"`
	ProducerPaused bool                    `json:"producerPaused"`
	MediaTag       string                  `json:"mediaTag"`
}

func describeConsumer(srcID, tag string, consumer *mediasoup.Consumer) consumerDescriptor {
	return consumerDescriptor{
		UserID:         srcID,
		ProducerID:     consumer.ProducerId(),
		ID:             consumer.Id(),
		Kind:           string(consumer.Kind()),
		RtpParameters:  consumer.RtpParameters(),
		Type:           string(consumer.Type()),
		ProducerPaused: consumer.ProducerPaused(),
		MediaTag:       tag,
	}
}

// createPushConsumer builds a paused consumer of src's producer on sub's
// consumer transport and asks the subscriber to accept it. Skips quietly
// when the subscriber cannot consume yet (no transport or capabilities);
// the pull flow remains available as a fallback. Called under the lock.
func (r *Room) createPushConsumer(sub, src *Participant, producer *mediasoup.Producer, tag string) {
	logger := r.logger.With().
		Str("userID", sub.ID).
		Str("peerID", src.ID).
		Str("mediaTag", tag).Logger()

	if sub.ConsumerTransport == nil || !sub.hasCapabilities {
		logger.Debug().Msg("subscriber not ready for push consume")
		return
	}
	if existing, ok := sub.consumersByTag(tag)[src.ID]; ok && !existing.Closed() {
		return
	}
	if !r.router.CanConsume(producer.Id(), sub.RtpCapabilities) {
		logger.Warn().Msg("router cannot consume producer for subscriber")
		return
	}

	consumer, err := sub.ConsumerTransport.Consume(mediasoup.ConsumerOptions{
		ProducerId:      producer.Id(),
		RtpCapabilities: sub.RtpCapabilities,
		Paused:          true,
		AppData:         model.ProducerAppData{UserID: src.ID, MediaTag: tag},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create push consumer")
		return
	}
	sub.consumersByTag(tag)[src.ID] = consumer
	r.wireConsumer(sub, src.ID, tag, consumer)

	if tag == model.MediaTagAudio {
		if err = consumer.SetPriority(audioConsumerPriority); err != nil {
			logger.Warn().Err(err).Msg("failed to raise audio consumer priority")
		}
	}

	go r.announceConsumer(sub.ID, src.ID, tag, consumer)
}

// announceConsumer runs the newConsumer request/ack exchange off the room
// lock, then resumes the consumer. The subscriber may disconnect while we
// wait, so liveness is re-checked after re-acquiring the lock.
func (r *Room) announceConsumer(subID, srcID, tag string, consumer *mediasoup.Consumer) {
	logger := r.logger.With().
		Str("userID", subID).
		Str("peerID", srcID).
		Str("mediaTag", tag).Logger()

	_, err := r.fanout.Request(context.Background(), r.id, subID, model.EventNewConsumer,
		describeConsumer(srcID, tag, consumer))

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.participants[subID]
	if !ok || consumer.Closed() {
		// Subscriber went away while we waited; drop the result.
		consumer.Close()
		return
	}
	if err != nil {
		logger.Warn().Err(err).Msg("newConsumer was not acknowledged, dropping consumer")
		consumer.Close()
		delete(sub.consumersByTag(tag), srcID)
		return
	}
	if err = consumer.Resume(); err != nil {
		logger.Error().Err(err).Msg("failed to resume consumer after ack")
		return
	}
	logger.Debug().Str("consumerID", consumer.Id()).Msg("push consumer running")
}

// wireConsumer subscribes to consumer lifecycle events. Handlers hop
// onto their own goroutine before touching room state so the worker
// notification pump is never blocked, and they must not panic: closure
// cascades have to complete.
func (r *Room) wireConsumer(sub *Participant, srcID, tag string, consumer *mediasoup.Consumer) {
	subID := sub.ID

	consumer.On("transportclose", func() {
		go func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if p, ok := r.participants[subID]; ok {
				if p.consumersByTag(tag)[srcID] == consumer {
					delete(p.consumersByTag(tag), srcID)
				}
			}
		}()
	})

	consumer.On("producerclose", func() {
		go func() {
			r.mu.Lock()
			if p, ok := r.participants[subID]; ok {
				if p.consumersByTag(tag)[srcID] == consumer {
					delete(p.consumersByTag(tag), srcID)
				}
			}
			r.mu.Unlock()

			consumer.Close()
			payload := map[string]any{"userId": srcID, "mediaTag": tag, "consumerId": consumer.Id()}
			r.fanout.Notify(r.id, subID, model.EventProducerClose, payload)
			r.fanout.Notify(r.id, subID, model.EventConsumerClosed, payload)
		}()
	})

	consumer.On("producerpause", func() {
		go r.fanout.Notify(r.id, subID, model.EventConsumerPaused, map[string]any{
			"userId": srcID, "mediaTag": tag, "consumerId": consumer.Id(),
		})
	})

	consumer.On("producerresume", func() {
		go r.fanout.Notify(r.id, subID, model.EventConsumerResumed, map[string]any{
			"userId": srcID, "mediaTag": tag, "consumerId": consumer.Id(),
		})
	})

	consumer.On("score", func(score mediasoup.ConsumerScore) {
		go r.fanout.Notify(r.id, subID, model.EventConsumerScore, map[string]any{
			"userId": srcID, "consumerId": consumer.Id(), "score": score,
		})
	})

	if consumer.Kind() == mediasoup.MediaKind_Video {
		consumer.On("layerschange", func(layers *mediasoup.ConsumerLayers) {
			go func() {
				payload := map[string]any{"userId": srcID, "consumerId": consumer.Id()}
				if layers != nil {
					payload["spatialLayer"] = layers.SpatialLayer
					payload["temporalLayer"] = layers.TemporalLayer
				}
				r.fanout.Notify(r.id, subID, model.EventConsumersLayersChanged, payload)
			}()
		})
	}
}

// wireProducer subscribes to producer events: orientation changes fan
// out to the room, the latest scores are kept on the participant record.
func (r *Room) wireProducer(owner *Participant, tag string, producer *mediasoup.Producer) {
	ownerID := owner.ID

	producer.On("videoorientationchange", func(orientation mediasoup.ProducerVideoOrientation) {
		go r.fanout.BroadcastAll(r.id, model.EventVideoOrientationChange, map[string]any{
			"userId":   ownerID,
			"mediaTag": tag,
			"camera":   orientation.Camera,
			"flip":     orientation.Flip,
			"rotation": orientation.Rotation,
		})
	})

	producer.On("score", func(score []mediasoup.ProducerScore) {
		go func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			p, ok := r.participants[ownerID]
			if !ok {
				return
			}
			switch tag {
			case model.MediaTagAudio:
				p.lastAudioScore = score
			default:
				p.lastVideoScore = score
			}
		}()
	})
}

// wireTransport closes the transport server-side on terminal DTLS states.
func (r *Room) wireTransport(userID, kind string, transport *mediasoup.WebRtcTransport) {
	transport.On("dtlsstatechange", func(state mediasoup.DtlsState) {
		if state == mediasoup.DtlsState_Closed || state == mediasoup.DtlsState_Failed {
			go func() {
				r.logger.Warn().
					Str("userID", userID).
					Str("kind", kind).
					Str("dtlsState", string(state)).
					Msg("closing transport on dtls state change")
				transport.Close()
			}()
		}
	})
}
