package web

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"go.uber.org/zap"
)

const outboxWindow = 50

// handleOutbox serves the most recent objects a local actor published, as
// an ActivityStreams collection snapshot.
func (s *Server) handleOutbox(c *gin.Context) {
	acc := s.localAccount(c.Param("name"))
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such actor"})
		return
	}
	actorURI := acc.ActorURI(s.conf.Conf.SslDomain)

	objects, err := s.db.ReadObjectsByAuthor(actorURI, outboxWindow)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	items := []string{}
	for _, obj := range objects {
		ref, err := s.db.ReadReferenceById(obj.ReferenceId)
		if err != nil {
			continue
		}
		items = append(items, ref.URI)
	}

	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           actorURI + "/outbox",
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	})
}

// handleFeed renders a local actor's outbox as RSS.
func (s *Server) handleFeed(c *gin.Context) {
	acc := s.localAccount(c.Param("name"))
	if acc == nil {
		c.Status(http.StatusNotFound)
		return
	}
	actorURI := acc.ActorURI(s.conf.Conf.SslDomain)

	objects, err := s.db.ReadObjectsByAuthor(actorURI, outboxWindow)
	if err != nil {
		zap.S().Errorw("feed: object lookup failed", "actor", acc.Username, "err", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s@%s", acc.Username, s.conf.Conf.SslDomain),
		Link:        &feeds.Link{Href: actorURI},
		Description: acc.Summary,
		Author:      &feeds.Author{Name: acc.Username},
		Created:     time.Now(),
	}

	for _, obj := range objects {
		ref, err := s.db.ReadReferenceById(obj.ReferenceId)
		if err != nil {
			continue
		}
		title := obj.Summary
		if title == "" {
			title = obj.Published.Format(time.RFC1123)
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      ref.URI,
			Title:   title,
			Link:    &feeds.Link{Href: ref.URI},
			Content: obj.Content,
			Author:  &feeds.Author{Name: acc.Username},
			Created: obj.Published,
		})
	}

	rss, err := feed.ToRss()
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.String(http.StatusOK, "%s", rss)
}
