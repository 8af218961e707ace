package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"voxpipe/internal/docstore"
	"voxpipe/pkg/model"
)

// MemoryStore keeps conversations as generic JSON documents and applies the
// same field-level patch semantics as the database stores. It backs dry runs
// and tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]map[string]any),
		now:  time.Now,
	}
}

// PutConversation inserts or replaces a whole conversation document.
func (s *MemoryStore) PutConversation(_ context.Context, conv *model.Conversation) error {
	doc, err := toDocument(conv)
	if err != nil {
		return err
	}
	if _, ok := doc[docstore.FieldUpdatedAt]; !ok {
		doc[docstore.FieldUpdatedAt] = s.now().UTC().Format(time.RFC3339Nano)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[conv.ID] = doc
	return nil
}

// LoadFile seeds the store from a JSON array of conversations.
func (s *MemoryStore) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var convs []*model.Conversation
	if err := json.Unmarshal(raw, &convs); err != nil {
		return fmt.Errorf("decode seed file %s: %w", path, err)
	}
	for _, conv := range convs {
		if err := s.PutConversation(context.Background(), conv); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes a conversation, simulating a concurrent deletion.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

func (s *MemoryStore) FindConversationIDs(_ context.Context, q docstore.Query) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type hit struct {
		id      string
		updated time.Time
	}
	var hits []hit
	for id, doc := range s.docs {
		conv, err := fromDocument(id, doc)
		if err != nil {
			return nil, err
		}
		if !matches(conv, q) {
			continue
		}
		var updated time.Time
		if conv.UpdatedAt != nil {
			updated = *conv.UpdatedAt
		}
		hits = append(hits, hit{id: id, updated: updated})
	}

	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].updated.Equal(hits[j].updated) {
			return hits[i].updated.Before(hits[j].updated)
		}
		return hits[i].id < hits[j].id
	})

	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if q.Limit > 0 && len(ids) == q.Limit {
			break
		}
		ids = append(ids, h.id)
	}
	return ids, nil
}

func matches(conv *model.Conversation, q docstore.Query) bool {
	if !q.MatchesStatus(conv.Status) {
		return false
	}
	if len(q.IDs) > 0 && !contains(q.IDs, conv.ID) {
		return false
	}
	if q.UserName != "" && conv.UserName != q.UserName {
		return false
	}
	if !q.UpdatedBefore.IsZero() && conv.UpdatedAt != nil && !conv.UpdatedAt.Before(q.UpdatedBefore) {
		return false
	}
	audio := conv.AudioMessages()
	if q.RequireAudio && len(audio) == 0 {
		return false
	}
	if q.MessageStatus != nil {
		found := false
		for _, ref := range audio {
			if ref.Message.Status == *q.MessageStatus {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	return fromDocument(id, doc)
}

func (s *MemoryStore) UpdateConversation(_ context.Context, id string, set docstore.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	if err := applyFields(doc, set, nil); err != nil {
		return err
	}
	if _, ok := set[docstore.FieldUpdatedAt]; !ok {
		doc[docstore.FieldUpdatedAt] = s.now().UTC().Format(time.RFC3339Nano)
	}
	return nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, conversationID, messageID string, patch docstore.MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	msg := findMessageDoc(doc, messageID)
	if msg == nil {
		return fmt.Errorf("message %s/%s: %w", conversationID, messageID, model.ErrNotFound)
	}
	if patch.Expect != nil {
		current, _ := msg[docstore.FieldStatus].(string)
		if model.MessageStatus(current) != *patch.Expect {
			return fmt.Errorf("message %s/%s is %q: %w", conversationID, messageID, current, docstore.ErrConflict)
		}
	}
	if err := applyFields(msg, patch.Set, patch.Unset); err != nil {
		return err
	}
	doc[docstore.FieldUpdatedAt] = s.now().UTC().Format(time.RFC3339Nano)
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (docstore.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := docstore.Stats{ByStatus: make(map[model.ConversationStatus]int)}
	for id, doc := range s.docs {
		conv, err := fromDocument(id, doc)
		if err != nil {
			return st, err
		}
		st.Total++
		if len(conv.AudioMessages()) > 0 {
			st.WithAudio++
		}
		status := conv.Status
		if status == "" {
			status = model.ConversationPending
		}
		st.ByStatus[status]++
	}
	return st, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }

func findMessageDoc(doc map[string]any, messageID string) map[string]any {
	contacts, _ := doc["contacts"].([]any)
	for _, c := range contacts {
		contact, _ := c.(map[string]any)
		messages, _ := contact["messages"].([]any)
		for _, m := range messages {
			msg, _ := m.(map[string]any)
			if id, _ := msg["id"].(string); id == messageID {
				return msg
			}
		}
	}
	return nil
}

// applyFields stores values in their JSON form, as a document database would.
func applyFields(target map[string]any, set docstore.Fields, unset []string) error {
	for k, v := range set {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", k, err)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("decode field %s: %w", k, err)
		}
		target[k] = decoded
	}
	for _, k := range unset {
		delete(target, k)
	}
	return nil
}

func toDocument(conv *model.Conversation) (map[string]any, error) {
	raw, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode conversation: %w", err)
	}
	delete(doc, "id")
	return doc, nil
}

func fromDocument(id string, doc map[string]any) (*model.Conversation, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document %s: %w", id, err)
	}
	var conv model.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("decode document %s: %w", id, err)
	}
	conv.ID = id
	return &conv, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
