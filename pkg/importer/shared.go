// Package importer reads conversations shared as web pages into a message tree.
package importer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var ErrNoConversation = errors.New("page does not contain a shared conversation")

type NextData struct {
	Props struct {
		PageProps struct {
			SharedConversationId string `json:"sharedConversationId"`
			ServerResponse       struct {
				ServerResponseData `json:"data"`
			} `json:"serverResponse"`
		} `json:"pageProps"`
	} `json:"props"`
}

type ServerResponseData struct {
	Title              string  `json:"title"`
	CreateTime         float64 `json:"create_time"`
	UpdateTime         float64 `json:"update_time"`
	LinearConversation []Node  `json:"linear_conversation"`
}

type Author struct {
	Role string `json:"role"`
}

type Content struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

type Message struct {
	ID         string                 `json:"id"`
	Author     Author                 `json:"author"`
	Content    Content                `json:"content"`
	CreateTime float64                `json:"create_time"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// Node is one entry of the shared conversation. Message is nil for the
// synthetic root entry.
type Node struct {
	ID       string   `json:"id"`
	Message  *Message `json:"message"`
	Parent   string   `json:"parent"`
	Children []string `json:"children"`
}

// Shared is a parsed shared conversation page.
type Shared struct {
	ID string
	ServerResponseData
}

// Parse extracts the conversation embedded in the page's __NEXT_DATA__ script.
func Parse(r io.Reader) (*Shared, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "could not parse page")
	}
	scriptContent := strings.TrimSpace(doc.Find("#__NEXT_DATA__").Text())
	if scriptContent == "" {
		return nil, ErrNoConversation
	}

	var data NextData
	if err := json.Unmarshal([]byte(scriptContent), &data); err != nil {
		return nil, errors.Wrap(err, "could not decode __NEXT_DATA__")
	}
	pp := data.Props.PageProps
	if len(pp.ServerResponse.LinearConversation) == 0 {
		return nil, ErrNoConversation
	}
	return &Shared{
		ID:                 pp.SharedConversationId,
		ServerResponseData: pp.ServerResponse.ServerResponseData,
	}, nil
}

// Fetch downloads and parses a shared conversation page.
func Fetch(ctx context.Context, httpClient *http.Client, rawURL string, policy client.URLPolicy) (*Shared, error) {
	u, err := client.ParseBaseURL(rawURL, policy)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch %s", u)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("could not fetch %s: status %d", u, resp.StatusCode)
	}
	return Parse(resp.Body)
}

func fromUnix(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}

func keep(n *Node) bool {
	if n.Message == nil {
		return false
	}
	switch n.Message.Author.Role {
	case "user", "assistant":
	default:
		return false
	}
	return strings.TrimSpace(strings.Join(n.Message.Content.Parts, "\n")) != ""
}

// Tree converts the shared nodes into messages. Entries without text (the
// synthetic root, system and tool messages) are dropped and their children
// attached to the nearest kept ancestor.
func (s *Shared) Tree() (*conversation.Tree, error) {
	byID := make(map[string]*Node, len(s.LinearConversation))
	for i := range s.LinearConversation {
		n := &s.LinearConversation[i]
		byID[n.ID] = n
	}

	var keptParent func(id string, depth int) conversation.NodeID
	keptParent = func(id string, depth int) conversation.NodeID {
		n, ok := byID[id]
		if !ok || depth > len(byID) {
			return conversation.NullNode
		}
		if keep(n) {
			return conversation.NodeID(n.ID)
		}
		return keptParent(n.Parent, depth+1)
	}

	base := fromUnix(s.CreateTime)
	msgs := make([]*conversation.Message, 0, len(s.LinearConversation))
	for i := range s.LinearConversation {
		n := &s.LinearConversation[i]
		if !keep(n) {
			log.Trace().Str("id", n.ID).Msg("skipping shared conversation entry")
			continue
		}
		createdAt := base.Add(time.Duration(i) * time.Millisecond)
		if n.Message.CreateTime > 0 {
			createdAt = fromUnix(n.Message.CreateTime)
		}
		msgs = append(msgs, conversation.NewChatMessage(
			conversation.Role(n.Message.Author.Role),
			strings.Join(n.Message.Content.Parts, "\n"),
			conversation.WithID(conversation.NodeID(n.ID)),
			conversation.WithParentID(keptParent(n.Parent, 0)),
			conversation.WithTime(createdAt),
			conversation.WithMetadata(n.Message.Metadata),
		))
	}
	return conversation.NewTreeFromMessages(msgs...)
}
