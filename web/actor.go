package web

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

const activityJSON = "application/activity+json; charset=utf-8"

// handleActor serves the public actor document for a local account,
// including the signing key other servers verify our deliveries with.
func (s *Server) handleActor(c *gin.Context) {
	acc := s.localAccount(c.Param("name"))
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such actor"})
		return
	}

	domain := s.conf.Conf.SslDomain
	actorURI := acc.ActorURI(domain)
	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	c.Header("Content-Type", activityJSON)
	c.JSON(http.StatusOK, gin.H{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actorURI,
		"type":                      "Person",
		"preferredUsername":         acc.Username,
		"name":                      displayName,
		"summary":                   acc.Summary,
		"url":                       actorURI,
		"inbox":                     actorURI + "/inbox",
		"outbox":                    actorURI + "/outbox",
		"followers":                 actorURI + "/followers",
		"following":                 actorURI + "/following",
		"manuallyApprovesFollowers": acc.ManuallyApproves,
		"discoverable":              true,
		"endpoints": gin.H{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", domain),
		},
		"publicKey": gin.H{
			"id":           actorURI + "#main-key",
			"owner":        actorURI,
			"publicKeyPem": acc.PublicKeyPem,
		},
	})
}

// handleWebfinger resolves acct:user@domain to the actor document URI.
func (s *Server) handleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}
	name := strings.TrimPrefix(resource, "acct:")
	name = strings.TrimSuffix(name, "@"+s.conf.Conf.SslDomain)
	if strings.Contains(name, "@") {
		// Someone else's user.
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}

	acc := s.localAccount(name)
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject": fmt.Sprintf("acct:%s@%s", acc.Username, s.conf.Conf.SslDomain),
		"links": []gin.H{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": acc.ActorURI(s.conf.Conf.SslDomain),
			},
		},
	})
}

func hostOfURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
