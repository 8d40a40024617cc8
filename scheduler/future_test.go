package scheduler

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Future", func() {
	It("should keep the first outcome only", func() {
		f := newFuture[string]()
		Expect(f.Settled()).To(BeFalse())

		f.resolve("first", nil)
		f.resolve("second", errors.New("late"))

		value, err := f.Get()
		Expect(err).NotTo(HaveOccurred())
		Expect(value).To(Equal("first"))
		Expect(f.Settled()).To(BeTrue())
	})

	It("should release every waiter", func() {
		f := newFuture[int]()

		results := make(chan int, 3)
		for range 3 {
			go func() {
				value, _ := f.Get()
				results <- value
			}()
		}

		Consistently(results, 20*time.Millisecond).ShouldNot(Receive())
		f.resolve(7, nil)

		for range 3 {
			Eventually(results, time.Second).Should(Receive(Equal(7)))
		}
	})

	It("should stop waiting when the context ends", func() {
		f := newFuture[int]()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := f.Wait(ctx)
		Expect(err).To(MatchError(context.DeadlineExceeded))
		Expect(f.Settled()).To(BeFalse())
	})

	It("should return the outcome through Wait once settled", func() {
		f := newFuture[int]()
		expected := errors.New("failed")
		f.resolve(0, expected)

		_, err := f.Wait(context.Background())
		Expect(err).To(BeIdenticalTo(expected))
		Eventually(f.Done()).Should(BeClosed())
	})
})
