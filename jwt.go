package coedit

import (
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims carried by an agent auth token.
// the token is never verified client side; the agent owns verification.
// claims are used only by the ctl `token-info` command.
type AgentToken struct {
	Subject    string
	ProjectId  Id
	Expiration time.Time
}

func ParseAgentTokenUnverified(token string) (*AgentToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	agentToken := &AgentToken{}

	if subject, ok := claims["sub"]; ok {
		if subjectStr, ok := subject.(string); ok {
			agentToken.Subject = subjectStr
		}
	}
	if projectIdStr, ok := claims["project_id"]; ok {
		if projectIdStrStr, ok := projectIdStr.(string); ok {
			if projectId, err := ParseId(projectIdStrStr); err == nil {
				agentToken.ProjectId = projectId
			}
		}
	}
	if exp, ok := claims["exp"]; ok {
		if expFloat, ok := exp.(float64); ok {
			agentToken.Expiration = time.Unix(int64(expFloat), 0)
		}
	}

	return agentToken, nil
}
