package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/dayledger/internal/observability/context"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookRateLimit throttles callbacks per provider.
func (s *Server) WebhookRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.webhookLimiter == nil {
			c.Next()
			return
		}
		allowed, retryAfter := s.webhookLimiter.Allow(c.Request.Context(), strings.ToLower(c.Param("provider")))
		if !allowed {
			if seconds := int(retryAfter.Seconds()); seconds > 0 {
				c.Header("Retry-After", strconv.Itoa(seconds))
			}
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		c.Next()
	}
}

func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	payload, err = normalizeWebhookBody(c.GetHeader("Content-Type"), payload)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithActor(c.Request.Context(), obscontext.ActorWebhook, provider)
	c.Request = c.Request.WithContext(ctx)
	res, err := s.paymentSvc.VerifyAndApply(ctx, provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrPaymentFinal) {
			// the provider keeps retrying until it sees a 2xx
			s.log.Info("callback for settled payment ignored", zap.String("provider", provider), zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	s.dispatcher.Dispatch(ctx, res.Events...)
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"payment_id": res.PaymentID.String(),
		"duplicate":  res.Duplicate,
	})
}

// normalizeWebhookBody turns form-encoded callbacks into a flat JSON object.
func normalizeWebhookBody(contentType string, payload []byte) ([]byte, error) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return payload, nil
	}
	values, err := url.ParseQuery(string(payload))
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string, len(values))
	for key := range values {
		fields[key] = values.Get(key)
	}
	return json.Marshal(fields)
}

func (s *Server) GetReceipt(c *gin.Context) {
	id, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	receipt, err := s.paymentSvc.Receipt(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Header("Content-Disposition", "inline; filename=receipt-"+id.String()+".pdf")
	c.Data(http.StatusOK, "application/pdf", receipt)
}

func (s *Server) ListTariffs(c *gin.Context) {
	tariffs, err := s.paymentSvc.AvailableTariffs(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tariffs": tariffs})
}
