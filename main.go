package main

import (
	"context"
	"log"

	"github.com/erlorenz/go-streambridge/engine"
	"github.com/erlorenz/go-streambridge/flow"
)

// consumer logs each change event and pulls the next one.
type consumer struct {
	sub  flow.Subscription
	done chan struct{}
}

func (c *consumer) OnNext(item string) {
	log.Printf("received: %s", item)
	c.sub.Request(1)
}

func (c *consumer) OnComplete() {
	log.Print("completed")
	close(c.done)
}

func (c *consumer) OnError(err error) {
	log.Printf("failed: %v", err)
	close(c.done)
}

func main() {
	eng := engine.NewMemory[string]()
	defer eng.Close()

	c := &consumer{done: make(chan struct{})}

	sub, err := flow.Subscribe(context.Background(), eng, "demo", c,
		flow.WithCapacity(4), flow.WithPolicy(flow.DropHead))
	if err != nil {
		log.Fatal(err)
	}
	c.sub = sub
	sub.Request(1)

	// Simulate the producer: a few events before the token, a few after.
	eng.EmitItem("demo", "created user 1")
	eng.EmitItem("demo", "created user 2")
	eng.AssignToken("demo")
	eng.EmitItem("demo", "updated user 1")
	eng.EndSubscription("demo")

	<-c.done
}
