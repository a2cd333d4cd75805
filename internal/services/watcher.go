package services

import (
	"neighborly/internal/models"
)

// watchResponses bridges the request store's change feed into session
// events. It forwards helper responses — accepted and declined rows — and
// leaves the decision of whether a response is still actionable entirely to
// the state machine, so a late accept is judged in exactly one place.
func (s *dispatchService) watchResponses(sess *dispatchSession, feed <-chan *models.DispatchRequest) {
	log := s.log.WithAlertID(sess.alertID).WithGeneration(sess.generation)

	for request := range feed {
		if request.Generation != sess.generation {
			// A row from an earlier session for the same alert. Nothing of
			// ours can change from it.
			log.WithRequestID(request.ID).Debug("Ignoring change from stale generation")
			continue
		}

		switch request.Status {
		case models.DispatchRequestAccepted:
			sess.deliver(sessionEvent{kind: eventAccept, generation: request.Generation, request: request})
		case models.DispatchRequestDeclined:
			sess.deliver(sessionEvent{kind: eventDecline, generation: request.Generation, request: request})
		default:
			// pending, expired and superseded transitions are authored by
			// the engine itself; observing them is not an event.
		}
	}

	log.Debug("Dispatch change feed closed")
}
