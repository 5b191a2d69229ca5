package httpapi

import (
	"log"
	"net/http"

	"github.com/igm/sockjs-go/sockjs"

	"qms/queue-engine/internal/notify"
)

// Subscriber hands out change notifications for a branch.
type Subscriber interface {
	Subscribe(branchID, serviceID string) *notify.Subscription
}

// RealtimeHandler serves display boards and staff consoles over SockJS.
// A session receives nothing until it subscribes to a branch:
//
//	{"action":"subscribe","branch_id":"..."}
//
// A later subscribe retargets the existing one; unsubscribe stops delivery.
func RealtimeHandler(subscriber Subscriber) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		var sub *notify.Subscription
		defer func() {
			if sub != nil {
				sub.Close()
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := notify.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				if sub != nil {
					sub.Close()
					sub = nil
				}
				continue
			}
			if parsed.BranchID == "" {
				_ = session.Close(4000, "branch_id required")
				return
			}
			if sub != nil {
				sub.Retarget(notify.Filter{BranchID: parsed.BranchID, ServiceID: parsed.ServiceID})
				continue
			}
			sub = subscriber.Subscribe(parsed.BranchID, parsed.ServiceID)
			go forward(session, sub.Events())
		}
	})
}

func forward(session sockjs.Session, events <-chan []byte) {
	for msg := range events {
		if err := session.Send(string(msg)); err != nil {
			log.Printf("realtime send session=%s error=%v", session.ID(), err)
			return
		}
	}
}
