package email

import (
	"fmt"
	"html"
	"time"
)

const layout = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body style="margin: 0; padding: 0; font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; background-color: #f4f4f4;">
    <table role="presentation" style="width: 100%%; border-collapse: collapse;">
        <tr>
            <td align="center" style="padding: 40px 0;">
                <table role="presentation" style="width: 600px; background-color: #ffffff; border-radius: 8px;">
                    <tr><td style="padding: 40px 40px 20px 40px;"><h1 style="margin: 0; color: #333333; font-size: 22px;">%s</h1></td></tr>
                    <tr><td style="padding: 0 40px 40px 40px; color: #555555; font-size: 16px; line-height: 1.5;">%s</td></tr>
                </table>
            </td>
        </tr>
    </table>
</body>
</html>
`

func render(subject, title, body string) Message {
	return Message{Subject: subject, HTML: fmt.Sprintf(layout, html.EscapeString(subject), html.EscapeString(title), body)}
}

// Dollars formats cents as $12.34.
func Dollars(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}

func RefundIssued(refundedCents, chargeCents int64) Message {
	body := fmt.Sprintf(`<p>We refunded <strong>%s</strong> of your %s payment.</p>
<p>Your subscription has been cancelled and your account is back on the free plan.</p>`,
		Dollars(refundedCents), Dollars(chargeCents))
	return render("Your refund is on its way", "Refund issued", body)
}

func BoosterRefundIssued(refundedCents, manaDeducted int64) Message {
	body := fmt.Sprintf(`<p>We refunded <strong>%s</strong> for your booster purchase.</p>
<p>%d booster mana was removed from your balance.</p>`, Dollars(refundedCents), manaDeducted)
	return render("Your booster refund is on its way", "Booster refund issued", body)
}

func RefundRequestReceived(userID int64, userEmail, chargeID string, amountCents int64, reason string) Message {
	body := fmt.Sprintf(`<p>User %d (%s) asked for a refund of %s on charge <code>%s</code>.</p>
<blockquote>%s</blockquote>`,
		userID, html.EscapeString(userEmail), Dollars(amountCents), html.EscapeString(chargeID), html.EscapeString(reason))
	return render("New refund request", "Refund request needs review", body)
}

func RefundRequestResolved(approved bool, amountCents int64) Message {
	if approved {
		return render("Your refund request was approved", "Refund approved",
			fmt.Sprintf(`<p>We approved your request and refunded <strong>%s</strong>.</p>`, Dollars(amountCents)))
	}
	return render("Your refund request was reviewed", "Refund request declined",
		`<p>After review we were not able to approve this refund. Reply to this email if you have questions.</p>`)
}

func UpgradeScheduled(start time.Time, savingsCents int64) Message {
	body := fmt.Sprintf(`<p>Your annual plan starts on <strong>%s</strong>, when your current month ends.</p>
<p>You will save %s a year compared to monthly billing.</p>`, start.UTC().Format("January 2, 2006"), Dollars(savingsCents))
	return render("Your annual upgrade is scheduled", "Annual upgrade scheduled", body)
}

func GiftReceived(senderName string, expiresAt time.Time) Message {
	body := fmt.Sprintf(`<p><strong>%s</strong> sent you a gift of Pro access.</p>
<p>Accept it before %s.</p>`, html.EscapeString(senderName), expiresAt.UTC().Format("January 2, 2006"))
	return render("You received a gift", "A gift is waiting for you", body)
}

func GiftAccepted(recipientName string) Message {
	body := fmt.Sprintf(`<p><strong>%s</strong> accepted your gift.</p>`, html.EscapeString(recipientName))
	return render("Your gift was accepted", "Gift accepted", body)
}
