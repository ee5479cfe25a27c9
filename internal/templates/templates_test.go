package templates

import "testing"

func TestGreeting(t *testing.T) {
	got := Greeting("Ana", "Bia")
	want := "Olá, Ana. Meu nome é Bia e irei dar continuidade ao seu atendimento.😉❤"
	if got != want {
		t.Fatalf("Greeting() = %q, want %q", got, want)
	}
}

func TestPing(t *testing.T) {
	got := Ping("Ana")
	want := "Olá, Ana. Você ainda está no chat?"
	if got != want {
		t.Fatalf("Ping() = %q, want %q", got, want)
	}
}

func TestClosure(t *testing.T) {
	got := Closure("Ana")
	want := "Olá, Ana. Identificamos que você está inativo e seu chat será encerrado por inatividade."
	if got != want {
		t.Fatalf("Closure() = %q, want %q", got, want)
	}
}
