package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hospital/patientflow/internal/platform/auth"
	"github.com/hospital/patientflow/internal/platform/notification"
)

func newClient(userID string, roles ...string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Roles:  roles,
		Send:   make(chan []byte, 4),
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	client := newClient("u1")
	client.Topics = []string{notification.AdminChannel}

	hub.Register(client)
	if hub.ClientCount() != 1 || hub.TopicCount(notification.AdminChannel) != 1 {
		t.Fatalf("expected 1 client on admin, got %d/%d", hub.ClientCount(), hub.TopicCount(notification.AdminChannel))
	}

	hub.Unregister(client)
	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(notification.AdminChannel) != 0 {
		t.Fatalf("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Error("expected Send channel to be closed")
	}
}

func TestChannelAuthorizer(t *testing.T) {
	patient := uuid.New()
	other := uuid.New()
	staff := newClient("nurse-1", auth.RoleStaff)
	admin := newClient("root", auth.RoleAdmin)
	self := newClient(patient.String(), auth.RolePatient)

	cases := []struct {
		client *Client
		topic  string
		want   bool
	}{
		{staff, notification.AdminChannel, true},
		{staff, notification.PatientChannel(other), true},
		{staff, "exam:1", false},
		{admin, notification.AdminChannel, true},
		{self, notification.PatientChannel(patient), true},
		{self, notification.PatientChannel(other), false},
		{self, notification.AdminChannel, false},
	}
	for _, tc := range cases {
		if got := ChannelAuthorizer(tc.client, tc.topic); got != tc.want {
			t.Errorf("ChannelAuthorizer(%s, %q) = %v, want %v", tc.client.UserID, tc.topic, got, tc.want)
		}
	}
}

func TestHub_SubscribeFiltersDeniedTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop(), ChannelAuthorizer)
	patient := uuid.New()
	client := newClient(patient.String(), auth.RolePatient)
	hub.Register(client)

	own := notification.PatientChannel(patient)
	denied := hub.Subscribe(client, []string{own, notification.AdminChannel, own})
	if len(denied) != 1 || denied[0] != notification.AdminChannel {
		t.Errorf("expected admin to be denied, got %v", denied)
	}
	if hub.TopicCount(own) != 1 || hub.TopicCount(notification.AdminChannel) != 0 {
		t.Errorf("unexpected topic counts: own=%d admin=%d", hub.TopicCount(own), hub.TopicCount(notification.AdminChannel))
	}
	if len(client.Topics) != 1 {
		t.Errorf("expected duplicate subscription to collapse, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{own}})
	if hub.TopicCount(own) != 0 || len(client.Topics) != 0 {
		t.Errorf("expected unsubscribe to remove topic, got %v", client.Topics)
	}
}

func TestHub_RegisterDropsUnauthorizedInitialTopics(t *testing.T) {
	hub := NewHub(zerolog.Nop(), ChannelAuthorizer)
	client := newClient(uuid.New().String(), auth.RolePatient)
	client.Topics = []string{notification.AdminChannel}

	hub.Register(client)
	if hub.TopicCount(notification.AdminChannel) != 0 || len(client.Topics) != 0 {
		t.Errorf("expected admin subscription to be refused, got %v", client.Topics)
	}
}

func TestHub_PublishDeliversToChannelSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	a, b := newClient("a"), newClient("b")
	a.Topics = []string{notification.AdminChannel}
	b.Topics = []string{"patient:x"}
	hub.Register(a)
	hub.Register(b)

	msg := notification.Message{Channel: notification.AdminChannel, Kind: notification.KindQueueChanged, Data: json.RawMessage(`{"to":"CALLED"}`)}
	if err := hub.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-a.Send:
		var got notification.Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Kind != notification.KindQueueChanged || string(got.Data) != `{"to":"CALLED"}` {
			t.Errorf("unexpected message: %+v", got)
		}
	default:
		t.Fatal("expected admin subscriber to receive the message")
	}
	select {
	case <-b.Send:
		t.Error("patient subscriber should not receive admin messages")
	default:
	}
}

func TestHub_PublishReportsSlowClient(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	client := &Client{ID: "slow", Topics: []string{notification.AdminChannel}, Send: make(chan []byte)}
	hub.Register(client)

	err := hub.Publish(context.Background(), notification.Message{Channel: notification.AdminChannel})
	if !errors.Is(err, ErrSlowClient) {
		t.Fatalf("expected ErrSlowClient, got %v", err)
	}
	if hub.Name() != "websocket" {
		t.Errorf("unexpected publisher name %q", hub.Name())
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := NewHub(zerolog.Nop(), nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient("c")
			c.Topics = []string{notification.AdminChannel}
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Publish(context.Background(), notification.Message{Channel: notification.AdminChannel})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestSplitTopics(t *testing.T) {
	got := splitTopics(" admin , ,patient:1")
	if len(got) != 2 || got[0] != "admin" || got[1] != "patient:1" {
		t.Errorf("unexpected topics: %v", got)
	}
	if splitTopics("") != nil {
		t.Error("expected nil for empty input")
	}
}

func TestHandler_HandleConnectRequiresWebSocket(t *testing.T) {
	handler := NewHandler(NewHub(zerolog.Nop(), nil))
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)

	err := handler.HandleConnect(c)
	if err == nil && rec.Code == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to fail for non-websocket request")
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	hub := NewHub(zerolog.Nop(), ChannelAuthorizer)
	handler := NewHandler(hub)

	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithIdentity(c.Request().Context(), "nurse-1", []string{auth.RoleStaff})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	handler.RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=admin"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	patientTopic := notification.PatientChannel(uuid.New())
	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{patientTopic}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(patientTopic) != 1 || hub.TopicCount(notification.AdminChannel) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriptions not registered: patient=%d admin=%d", hub.TopicCount(patientTopic), hub.TopicCount(notification.AdminChannel))
		}
		time.Sleep(10 * time.Millisecond)
	}

	msg := notification.Message{Channel: patientTopic, Kind: notification.KindJourneyChanged, Data: json.RawMessage(`{"stage":"CALLED"}`)}
	if err := hub.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received notification.Message
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if received.Channel != patientTopic || received.Kind != notification.KindJourneyChanged {
		t.Fatalf("unexpected message: %+v", received)
	}
}
