package gridset

import "math"

// krueger holds the precomputed coefficients of the Krüger series for the forward
// transverse Mercator projection, accurate to well below a millimetre within the
// usual 3 degree zones.
type krueger struct {
	k0A    float64 // scale factor times the rectifying radius
	c      float64 // 2*sqrt(n)/(1+n), the conformal latitude factor
	alpha  [4]float64
	lon0   float64
	e0, n0 float64
}

func newKrueger(el Ellipsoid, p TransverseMercator) *krueger {
	f := 1 / el.InverseFlattening
	n := f / (2 - f)
	n2 := n * n
	n3 := n2 * n
	n4 := n3 * n
	a := el.SemiMajorAxis / (1 + n) * (1 + n2/4 + n4/64)
	return &krueger{
		k0A: p.ScaleFactor * a,
		c:   2 * math.Sqrt(n) / (1 + n),
		alpha: [4]float64{
			n/2 - 2*n2/3 + 5*n3/16 + 41*n4/180,
			13*n2/48 - 3*n3/5 + 557*n4/1440,
			61*n3/240 - 103*n4/140,
			49561 * n4 / 161280,
		},
		lon0: p.CentralMeridian,
		e0:   p.FalseEasting,
		n0:   p.FalseNorthing,
	}
}

func (k *krueger) forward(lat, lon float64) (x, y float64) {
	phi := lat * math.Pi / 180
	dl := (lon - k.lon0) * math.Pi / 180
	sinPhi := math.Sin(phi)
	t := math.Sinh(math.Atanh(sinPhi) - k.c*math.Atanh(k.c*sinPhi))
	xi := math.Atan2(t, math.Cos(dl))
	eta := math.Atanh(math.Sin(dl) / math.Sqrt(1+t*t))

	e, n := eta, xi
	for i, a := range k.alpha {
		j := float64(2 * (i + 1))
		e += a * math.Cos(j*xi) * math.Sinh(j*eta)
		n += a * math.Sin(j*xi) * math.Cosh(j*eta)
	}
	return k.e0 + k.k0A*e, k.n0 + k.k0A*n
}
