package mail

import (
	"bytes"
	"fmt"
	"html/template"

	"ShopAssist/internal/catalog"
)

var productTemplate = template.Must(template.New("product").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
  <p>Hi {{.Recipient}},</p>
  <p>Here are the details for the product you asked about:</p>
  <h2>{{.Product.Name}}</h2>
  {{- if .Product.HighResImage}}
  <img src="{{.Product.HighResImage}}" alt="{{.Product.Name}}" width="320">
  {{- end}}
  <p>{{.Product.ShortDescription}}</p>
  <p><strong>Price:</strong> {{.Price}}{{if .Product.IsOnSale}} (on sale, regularly {{.Regular}}){{end}}</p>
  {{- if .Rating}}
  <p><strong>Customer rating:</strong> {{.Rating}} / 5</p>
  {{- end}}
  <p><a href="{{.Product.ProductURL}}">View product</a></p>
</body>
</html>`))

type productView struct {
	Recipient string
	Product   catalog.Product
	Price     string
	Regular   string
	Rating    string
}

// RenderProduct 渲染商品详情邮件，返回主题与 HTML 正文。
func RenderProduct(recipient string, p catalog.Product) (string, string, error) {
	view := productView{
		Recipient: recipient,
		Product:   p,
		Price:     fmt.Sprintf("$%.2f", p.Price()),
		Regular:   fmt.Sprintf("$%.2f", p.RegularPrice),
	}
	if p.CustomerRating != nil {
		view.Rating = fmt.Sprintf("%.1f", *p.CustomerRating)
	}
	var buf bytes.Buffer
	if err := productTemplate.Execute(&buf, view); err != nil {
		return "", "", fmt.Errorf("渲染商品邮件失败: %w", err)
	}
	return "Product details: " + p.Name, buf.String(), nil
}
