// Package templates holds the pure message-body functions used across both
// the internal (SMS) and flex (Conversations) pipelines. The copy is fixed
// and Portuguese; callers only supply names.
package templates

import "fmt"

// Greeting produces the handoff greeting. operatorName may be empty only in
// the defensive case where an operator name was never resolved; normal
// callers always pass a non-empty name.
func Greeting(customerName, operatorName string) string {
	return fmt.Sprintf("Olá, %s. Meu nome é %s e irei dar continuidade ao seu atendimento.😉❤", customerName, operatorName)
}

// Ping produces the "are you still there" nudge sent at T+5s.
func Ping(customerName string) string {
	return fmt.Sprintf("Olá, %s. Você ainda está no chat?", customerName)
}

// Closure produces the inactivity close-out message sent at T+30s.
func Closure(customerName string) string {
	return fmt.Sprintf("Olá, %s. Identificamos que você está inativo e seu chat será encerrado por inatividade.", customerName)
}
