package web

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fedeng/deino/domain"
	"github.com/gin-gonic/gin"
)

const defaultPageSize = 20

func (s *Server) localAccount(name string) *domain.Account {
	acc, err := s.db.ReadAccountByUsername(name)
	if err != nil {
		return nil
	}
	return acc
}

func (s *Server) pageSize() int {
	if s.conf.Conf.PageSize > 0 {
		return s.conf.Conf.PageSize
	}
	return defaultPageSize
}

// handleActorCollection serves a local actor's followers or following
// collection as paged ActivityStreams JSON.
func (s *Server) handleActorCollection(c *gin.Context, suffix string) {
	acc := s.localAccount(c.Param("name"))
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such actor"})
		return
	}
	uri := fmt.Sprintf("%s/%s", acc.ActorURI(s.conf.Conf.SslDomain), suffix)
	s.renderCollection(c, uri)
}

// handleObject serves a local object document, or a Tombstone once the
// object has been deleted.
func (s *Server) handleObject(c *gin.Context) {
	uri := fmt.Sprintf("https://%s/objects/%s", s.conf.Conf.SslDomain, c.Param("id"))
	ref, err := s.db.ReadReferenceByURI(uri)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such object"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	obj, err := s.db.ReadObject(ref.Id)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such object"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	c.Header("Content-Type", activityJSON)
	if obj.Tombstoned {
		c.JSON(http.StatusGone, gin.H{
			"@context": "https://www.w3.org/ns/activitystreams",
			"id":       uri,
			"type":     "Tombstone",
		})
		return
	}

	doc := gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           uri,
		"type":         obj.Type,
		"attributedTo": obj.AttributedTo,
		"content":      obj.Content,
		"published":    obj.Published.Format(time.RFC3339),
		"likes":        uri + "/likes",
		"shares":       uri + "/shares",
		"replies":      uri + "/replies",
	}
	if obj.Summary != "" {
		doc["summary"] = obj.Summary
	}
	if obj.InReplyTo != "" {
		doc["inReplyTo"] = obj.InReplyTo
	}
	if obj.Sensitive {
		doc["sensitive"] = true
	}
	if links, err := s.db.ReadLinks(ref.Id); err == nil && len(links) > 0 {
		attachments := make([]gin.H, 0, len(links))
		for _, l := range links {
			a := gin.H{"type": "Document", "url": l.Href}
			if l.MediaType != "" {
				a["mediaType"] = l.MediaType
			}
			if l.Name != "" {
				a["name"] = l.Name
			}
			attachments = append(attachments, a)
		}
		doc["attachment"] = attachments
	}
	c.JSON(http.StatusOK, doc)
}

// handleObjectCollection serves the likes, shares or replies collection of
// a local object.
func (s *Server) handleObjectCollection(c *gin.Context, suffix string) {
	uri := fmt.Sprintf("https://%s/objects/%s", s.conf.Conf.SslDomain, c.Param("id"))
	if _, err := s.db.ReadReferenceByURI(uri); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such object"})
		return
	}
	s.renderCollection(c, fmt.Sprintf("%s/%s", uri, suffix))
}

// renderCollection serves the collection at uri. Without a page parameter
// it returns the index document; with one it returns an ordered page. The
// page cursor is opaque, so issued pages stay stable while new members
// arrive at the front.
func (s *Server) renderCollection(c *gin.Context, uri string) {
	c.Header("Content-Type", activityJSON)

	coll := s.collectionAt(uri)

	pageParam, paged := c.GetQuery("page")
	if !paged {
		total := 0
		if coll != nil {
			total = coll.TotalItems
		}
		c.JSON(http.StatusOK, gin.H{
			"@context":   "https://www.w3.org/ns/activitystreams",
			"id":         uri,
			"type":       "OrderedCollection",
			"totalItems": total,
			"first":      uri + "?page=true",
		})
		return
	}

	cursor := pageParam
	if cursor == "true" {
		cursor = ""
	}

	var items []string
	next := ""
	if coll != nil {
		members, nextCursor, err := s.coll.Page(coll, cursor, s.pageSize())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page cursor"})
			return
		}
		for _, m := range members {
			items = append(items, m.MemberURI)
		}
		next = nextCursor
	}
	if items == nil {
		items = []string{}
	}

	doc := gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%s", uri, pageParam),
		"type":         "OrderedCollectionPage",
		"partOf":       uri,
		"orderedItems": items,
	}
	if next != "" {
		doc["next"] = fmt.Sprintf("%s?page=%s", uri, next)
	}
	c.JSON(http.StatusOK, doc)
}

// collectionAt returns the collection stored for uri, or nil when nothing
// has been collected there yet. An absent collection renders empty, not
// 404: every advertised collection URI answers.
func (s *Server) collectionAt(uri string) *domain.Collection {
	ref, err := s.db.ReadReferenceByURI(uri)
	if err != nil {
		return nil
	}
	coll, err := s.db.ReadCollectionByRef(ref.Id)
	if err != nil {
		return nil
	}
	return coll
}
