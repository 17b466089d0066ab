package application

import (
	"strings"

	"admission-gateway/middleware/ratelimit/domain"
)

// ClassifyPath resolve a classe da rota por prefixo. O primeiro prefixo que
// casar vence.
func ClassifyPath(path string) domain.RouteClass {
	switch {
	case strings.HasPrefix(path, "/auth"):
		return domain.ClassAuth
	case strings.HasPrefix(path, "/api"):
		return domain.ClassAPI
	default:
		return domain.ClassStatic
	}
}

// NormalizeClient trata identidade vazia como o bucket compartilhado "unknown".
func NormalizeClient(k domain.Key) domain.Key {
	v := strings.TrimSpace(string(k))
	if v == "" {
		return domain.UnknownClient
	}
	return domain.Key(v)
}

// WindowKey monta a chave "{clientId}:{routeClass}".
func WindowKey(client domain.Key, class domain.RouteClass) string {
	return string(client) + ":" + string(class)
}
