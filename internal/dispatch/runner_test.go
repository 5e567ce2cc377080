package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"referlane/internal/domain"
	"referlane/internal/sender"
	"referlane/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	msgs      map[string]*store.CampaignMessage
	campaigns map[string]*store.Campaign
	events    []string // event types in append order
	reclaimed int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		msgs:      make(map[string]*store.CampaignMessage),
		campaigns: make(map[string]*store.Campaign),
	}
}

func (f *fakeStore) addCampaign(id string, channel domain.Channel) {
	f.campaigns[id] = &store.Campaign{
		ID:                   id,
		BusinessID:           "biz_1",
		Name:                 "spring promo",
		Channel:              channel,
		Status:               domain.CampaignQueued,
		SnapshotBusinessName: "Acme Coffee",
		SnapshotRewardText:   "$5 off your next order",
	}
}

func (f *fakeStore) addMessage(id, campaignID string, channel domain.Channel, to, body string, createdAt time.Time) {
	f.msgs[id] = &store.CampaignMessage{
		ID:          id,
		CampaignID:  campaignID,
		BusinessID:  "biz_1",
		Channel:     channel,
		ToAddress:   to,
		MessageBody: body,
		Status:      domain.MessageQueued,
		CreatedAt:   createdAt,
	}
	f.campaigns[campaignID].TotalRecipients++
}

func (f *fakeStore) DueMessages(_ context.Context, limit int, campaignID string, now time.Time) ([]store.CampaignMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.CampaignMessage
	for _, m := range f.msgs {
		if m.Status != domain.MessageQueued {
			continue
		}
		if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
			continue
		}
		if campaignID != "" && m.CampaignID != campaignID {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ClaimMessage(_ context.Context, msgID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[msgID]
	if !ok || m.Status != domain.MessageQueued {
		return false, nil
	}
	m.Status = domain.MessageSending
	m.Attempts++
	m.LastAttemptAt = &now
	return true, nil
}

func (f *fakeStore) ReleaseClaim(_ context.Context, msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[msgID]; ok && m.Status == domain.MessageSending {
		m.Status = domain.MessageQueued
	}
	return nil
}

func (f *fakeStore) ReclaimStale(_ context.Context, now time.Time, staleAfter time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := now.Add(-staleAfter)
	n := 0
	for _, m := range f.msgs {
		if m.Status == domain.MessageSending && m.LastAttemptAt != nil && m.LastAttemptAt.Before(cutoff) {
			m.Status = domain.MessageQueued
			n++
		}
	}
	f.reclaimed += n
	return n, nil
}

func (f *fakeStore) MarkCampaignSending(_ context.Context, campaignID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[campaignID]; ok && c.Status == domain.CampaignQueued {
		c.Status = domain.CampaignSending
	}
	return nil
}

func (f *fakeStore) MarkMessageSent(_ context.Context, in store.SentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.msgs[in.MessageID]
	m.Status = domain.MessageSent
	f.campaigns[in.CampaignID].SentCount++
	f.events = append(f.events, domain.EventMessageSent)
	return nil
}

func (f *fakeStore) MarkMessageFailed(_ context.Context, in store.FailedUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.msgs[in.MessageID]
	m.Status = domain.MessageFailed
	m.LastError = in.Reason
	f.campaigns[in.CampaignID].FailedCount++
	f.events = append(f.events, domain.EventMessageFailed)
	return nil
}

func (f *fakeStore) CampaignByID(_ context.Context, campaignID string) (store.Campaign, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignID]
	if !ok {
		return store.Campaign{}, false, nil
	}
	return *c, true, nil
}

func (f *fakeStore) CampaignProgress(_ context.Context, campaignID string) (store.CampaignProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p store.CampaignProgress
	for _, m := range f.msgs {
		if m.CampaignID != campaignID {
			continue
		}
		switch m.Status {
		case domain.MessageQueued, domain.MessageSending:
			p.InFlight++
		case domain.MessageSent, domain.MessageDelivered:
			p.Sent++
		case domain.MessageFailed:
			p.Failed++
		}
	}
	return p, nil
}

func (f *fakeStore) SettleCampaign(_ context.Context, campaignID string, status domain.CampaignStatus, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.campaigns[campaignID]
	if c.Status != domain.CampaignQueued && c.Status != domain.CampaignSending {
		return false, nil
	}
	c.Status = status
	return true, nil
}

type fakeSms struct {
	mu    sync.Mutex
	sent  []string
	errOn map[string]error
}

func (f *fakeSms) SendSMS(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errOn[to]; ok {
		return "", err
	}
	f.sent = append(f.sent, to)
	return "SM" + to, nil
}

type countingNotifier struct {
	mu    sync.Mutex
	calls []domain.CampaignStatus
}

func (n *countingNotifier) CampaignSettled(_ context.Context, _ store.Campaign, status domain.CampaignStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, status)
}

func newTestRunner(fs *fakeStore, sms *fakeSms) (*Runner, *countingNotifier) {
	d := sender.New(sms, nil, nil, nil)
	r := NewRunner(fs, d, 10*time.Minute)
	n := &countingNotifier{}
	r.Notifier = n
	seq := 0
	r.EventID = func() string { seq++; return "evt_" + time.Now().Format("150405") }
	return r, n
}

func TestRunBatchAllSentNoStuckState(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_1", domain.ChannelSMS)
	base := time.Now().UTC()
	fs.addMessage("msg_1", "camp_1", domain.ChannelSMS, "+15550000001", "hi", base)
	fs.addMessage("msg_2", "camp_1", domain.ChannelSMS, "+15550000002", "hi", base.Add(time.Second))
	fs.addMessage("msg_3", "camp_1", domain.ChannelSMS, "+15550000003", "hi", base.Add(2*time.Second))

	r, _ := newTestRunner(fs, &fakeSms{})
	res, err := r.RunBatch(context.Background(), 25, "")
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Processed != 3 || res.Sent != 3 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for id, m := range fs.msgs {
		if !m.Status.Terminal() {
			t.Fatalf("message %s left in %s", id, m.Status)
		}
	}
	if got := fs.campaigns["camp_1"].Status; got != domain.CampaignCompleted {
		t.Fatalf("expected completed campaign, got %s", got)
	}
}

func TestRunBatchPartialFailure(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_1", domain.ChannelSMS)
	base := time.Now().UTC()
	fs.addMessage("msg_1", "camp_1", domain.ChannelSMS, "+15550000001", "hi", base)
	fs.addMessage("msg_2", "camp_1", domain.ChannelSMS, "", "hi", base.Add(time.Second)) // no destination
	fs.addMessage("msg_3", "camp_1", domain.ChannelSMS, "+15550000003", "hi", base.Add(2*time.Second))

	sms := &fakeSms{}
	r, _ := newTestRunner(fs, sms)
	res, err := r.RunBatch(context.Background(), 25, "")
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("expected 2 sent / 1 failed, got %+v", res)
	}
	// validation failures never reach the provider
	if len(sms.sent) != 2 {
		t.Fatalf("expected 2 provider calls, got %d", len(sms.sent))
	}
	if got := fs.msgs["msg_2"].LastError; got != "missing_destination" {
		t.Fatalf("expected missing_destination, got %q", got)
	}

	c := fs.campaigns["camp_1"]
	if c.Status != domain.CampaignPartial {
		t.Fatalf("expected partial campaign, got %s", c.Status)
	}
	if c.SentCount+c.FailedCount != 3 {
		t.Fatalf("aggregate invariant broken: sent=%d failed=%d", c.SentCount, c.FailedCount)
	}
}

func TestProviderErrorDoesNotAbortBatch(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_1", domain.ChannelSMS)
	base := time.Now().UTC()
	fs.addMessage("msg_1", "camp_1", domain.ChannelSMS, "+15550000001", "hi", base)
	fs.addMessage("msg_2", "camp_1", domain.ChannelSMS, "+15550000002", "hi", base.Add(time.Second))

	sms := &fakeSms{errOn: map[string]error{"+15550000001": errors.New("provider exploded")}}
	r, _ := newTestRunner(fs, sms)
	res, err := r.RunBatch(context.Background(), 25, "")
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("expected 1 sent / 1 failed, got %+v", res)
	}
	if got := fs.msgs["msg_1"].LastError; got != "provider exploded" {
		t.Fatalf("expected captured error text, got %q", got)
	}
}

func TestUnconfiguredChannelFailsMessageOnly(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_sms", domain.ChannelSMS)
	fs.addCampaign("camp_email", domain.ChannelEmail)
	base := time.Now().UTC()
	fs.addMessage("msg_1", "camp_email", domain.ChannelEmail, "a@example.com", "hello", base)
	fs.addMessage("msg_2", "camp_sms", domain.ChannelSMS, "+15550000002", "hi", base.Add(time.Second))

	// sms configured, email not
	r, _ := newTestRunner(fs, &fakeSms{})
	res, err := r.RunBatch(context.Background(), 25, "")
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("expected 1 sent / 1 failed, got %+v", res)
	}
	if got := fs.msgs["msg_1"].LastError; got != "email_not_configured" {
		t.Fatalf("expected email_not_configured, got %q", got)
	}
}

func TestConcurrentRunnersClaimAtMostOnce(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_1", domain.ChannelSMS)
	fs.addMessage("msg_1", "camp_1", domain.ChannelSMS, "+15550000001", "hi", time.Now().UTC())

	sms := &fakeSms{}
	r1, _ := newTestRunner(fs, sms)
	r2, _ := newTestRunner(fs, sms)

	var wg sync.WaitGroup
	results := make([]domain.BatchResult, 2)
	for i, r := range []*Runner{r1, r2} {
		wg.Add(1)
		go func(i int, r *Runner) {
			defer wg.Done()
			res, err := r.RunBatch(context.Background(), 25, "")
			if err != nil {
				t.Errorf("run batch: %v", err)
			}
			results[i] = res
		}(i, r)
	}
	wg.Wait()

	total := results[0].Processed + results[1].Processed
	if total != 1 {
		t.Fatalf("expected exactly one claim across runners, got %d", total)
	}
	if len(sms.sent) != 1 {
		t.Fatalf("expected exactly one provider call, got %d", len(sms.sent))
	}
}

func TestCampaignFilterLimitsBatch(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_1", domain.ChannelSMS)
	fs.addCampaign("camp_2", domain.ChannelSMS)
	base := time.Now().UTC()
	fs.addMessage("msg_1", "camp_1", domain.ChannelSMS, "+15550000001", "hi", base)
	fs.addMessage("msg_2", "camp_2", domain.ChannelSMS, "+15550000002", "hi", base.Add(time.Second))

	r, _ := newTestRunner(fs, &fakeSms{})
	res, err := r.RunBatch(context.Background(), 25, "camp_2")
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("expected 1 processed, got %+v", res)
	}
	if fs.msgs["msg_1"].Status != domain.MessageQueued {
		t.Fatalf("filtered-out message should stay queued")
	}
}

func TestFinalizeIdempotentAndInFlightAware(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_1", domain.ChannelSMS)
	base := time.Now().UTC()
	fs.addMessage("msg_1", "camp_1", domain.ChannelSMS, "+15550000001", "hi", base)
	fs.addMessage("msg_2", "camp_1", domain.ChannelSMS, "+15550000002", "hi", base.Add(time.Second))

	r, n := newTestRunner(fs, &fakeSms{})

	// one message still queued: finalize must do nothing
	fs.msgs["msg_1"].Status = domain.MessageSent
	if err := r.Finalize(context.Background(), "camp_1"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := fs.campaigns["camp_1"].Status; got != domain.CampaignQueued {
		t.Fatalf("in-flight campaign settled early to %s", got)
	}

	fs.msgs["msg_2"].Status = domain.MessageSent
	for i := 0; i < 3; i++ {
		if err := r.Finalize(context.Background(), "camp_1"); err != nil {
			t.Fatalf("finalize: %v", err)
		}
	}
	if got := fs.campaigns["camp_1"].Status; got != domain.CampaignCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if len(n.calls) != 1 {
		t.Fatalf("expected exactly one owner notification, got %d", len(n.calls))
	}
}

func TestReclaimStaleRequeues(t *testing.T) {
	fs := newFakeStore()
	fs.addCampaign("camp_1", domain.ChannelSMS)
	fs.addMessage("msg_1", "camp_1", domain.ChannelSMS, "+15550000001", "hi", time.Now().UTC())

	stale := time.Now().UTC().Add(-time.Hour)
	fs.msgs["msg_1"].Status = domain.MessageSending
	fs.msgs["msg_1"].LastAttemptAt = &stale

	r, _ := newTestRunner(fs, &fakeSms{})
	n, err := r.ReclaimStale(context.Background())
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}
	if fs.msgs["msg_1"].Status != domain.MessageQueued {
		t.Fatalf("expected requeued message, got %s", fs.msgs["msg_1"].Status)
	}
}
